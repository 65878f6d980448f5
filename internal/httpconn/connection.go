// Package httpconn is the connection-manager core: the connection
// factory, the abstract Connection capability and its HTTP/1 and
// HTTP/2 concrete forms, and the process-wide injectable hook table.
package httpconn

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/net/http2"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
)

// ProtocolVersion identifies which HTTP version a Connection speaks.
type ProtocolVersion int

const (
	VersionHTTP1_1 ProtocolVersion = iota
	VersionHTTP2
)

func (v ProtocolVersion) String() string {
	if v == VersionHTTP2 {
		return "h2"
	}
	return "http/1.1"
}

// Role identifies whether a Connection was built as a client or a
// server endpoint.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// maxStreamID is the 31-bit HTTP/2 stream-id bound, (2^32-1)>>1.
const maxStreamID uint32 = 0x7FFFFFFF

// Request is the minimal view of an incoming HTTP request handed to
// ServerData.OnIncomingRequest. The full request/response object
// model is out of scope for this module.
type Request struct {
	Method  string
	Path    string
	Headers map[string][]string
}

// ServerConfigureOptions is supplied to Connection.ConfigureServer.
type ServerConfigureOptions struct {
	OnIncomingRequest func(conn Connection, req *Request)
	OnShutdown        func(conn Connection, errCode ErrorCode)
}

// ServerData holds the callbacks configured via ConfigureServer. A
// Connection built with RoleServer carries exactly this, never
// ClientData.
type ServerData struct {
	OnIncomingRequest func(conn Connection, req *Request)
	OnShutdown        func(conn Connection, errCode ErrorCode)
}

// ProxyRequestTransform rewrites an outgoing request for proxying.
// The proxy transform itself is an out-of-scope external collaborator;
// this is the narrow seam a caller can plug into.
type ProxyRequestTransform func(req *Request) *Request

// ClientData holds the optional proxy transform. A Connection built
// with RoleClient carries exactly this, never ServerData.
type ClientData struct {
	ProxyRequestTransform ProxyRequestTransform
}

// GoAwayInfo records the error code and last-stream-id of a sent or
// received GOAWAY frame.
type GoAwayInfo struct {
	ErrCode      http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

// Connection is the abstract, version-polymorphic capability every
// concrete connection implements. Callers hold this handle. On an
// HTTP/1 connection the HTTP/2-only methods stay on the type:
// ChangeSettings, Ping and SendGoAway return ErrInvalidState, the
// GOAWAY and settings getters report nothing (false, or a nil map),
// and none of them logs.
type Connection interface {
	Close()
	IsOpen() bool
	NewRequestsAllowed() bool
	UpdateWindow(increment uint64)

	IsClient() bool
	IsServer() bool
	Channel() *ioloop.Channel
	HostAddress() string
	GetVersion() ProtocolVersion

	Acquire()
	Release()

	NextStreamID() (uint32, error)

	ConfigureServer(opts ServerConfigureOptions) error
	IsConfigured() bool

	ChangeSettings(settings []http2.Setting, onCompleted func(error)) error
	Ping(opaqueData []byte, onAck func(error)) error
	SendGoAway(errCode http2.ErrCode, allowMoreStreams bool, debugData []byte) error
	GetSentGoAway() (GoAwayInfo, bool)
	GetReceivedGoAway() (GoAwayInfo, bool)
	GetLocalSettings() map[http2.SettingID]uint32
	GetRemoteSettings() map[http2.SettingID]uint32
}

// baseConnection holds the fields and behavior shared by every
// concrete protocol version: refcounting, role/version tags,
// stream-id allocation, channel binding, and the configure-server
// once-only gate. Http1Connection and Http2Connection each embed a
// *baseConnection and add their own UpdateWindow and HTTP/2-only
// method implementations.
type baseConnection struct {
	refCount int64 // atomic

	version     ProtocolVersion
	role        Role
	hostAddress string
	userData    interface{}

	channel *ioloop.Channel
	slot    *ioloop.Slot

	nextStreamID uint32 // atomic; starts at 1 (client) or 2 (server)

	serverData *ServerData
	clientData *ClientData

	configuredOnce int32 // atomic; 0 = not yet configured

	isOpen int32 // atomic bool; 1 = open
}

func newBaseConnection(version ProtocolVersion, role Role, hostAddress string) *baseConnection {
	start := uint32(1)
	if role == RoleServer {
		start = 2
	}
	return &baseConnection{
		refCount:     1, // the reference handed to the caller via on_setup/on_incoming_connection
		version:      version,
		role:         role,
		hostAddress:  hostAddress,
		nextStreamID: start,
		isOpen:       1,
	}
}

func (b *baseConnection) IsClient() bool { return b.role == RoleClient }
func (b *baseConnection) IsServer() bool { return b.role == RoleServer }

func (b *baseConnection) Channel() *ioloop.Channel    { return b.channel }
func (b *baseConnection) HostAddress() string         { return b.hostAddress }
func (b *baseConnection) GetVersion() ProtocolVersion { return b.version }

func (b *baseConnection) IsOpen() bool {
	return atomic.LoadInt32(&b.isOpen) == 1
}

func (b *baseConnection) markClosed() {
	atomic.StoreInt32(&b.isOpen, 0)
}

// Acquire increments the reference count.
func (b *baseConnection) Acquire() {
	atomic.AddInt64(&b.refCount, 1)
}

// Release decrements the reference count; on the transition from 1 to
// 0 it requests shutdown of the owning channel and drops the
// connection's hold on it. The channel's own refcounting (not
// modeled here beyond slot teardown) finalizes the connection when
// its slots are torn down.
func (b *baseConnection) Release() {
	newCount := atomic.AddInt64(&b.refCount, -1)
	if newCount == 0 && b.channel != nil {
		b.channel.Shutdown(nil)
	}
}

// NextStreamID returns the current value and advances by 2, or fails
// with ErrStreamIdsExhausted once the prior value exceeded the 31-bit
// bound. IDs are never reused.
func (b *baseConnection) NextStreamID() (uint32, error) {
	for {
		cur := atomic.LoadUint32(&b.nextStreamID)
		if cur > maxStreamID {
			return 0, NewConnectionError(ErrStreamIdsExhausted, "stream id space exhausted")
		}
		next := cur + 2
		if atomic.CompareAndSwapUint32(&b.nextStreamID, cur, next) {
			return cur, nil
		}
	}
}

// lastAllocatedStreamID returns the most recent id handed out by
// NextStreamID without consuming a new one, for use in contexts (like
// a sent GOAWAY's last-stream-id) that report on allocation history
// rather than allocate.
func (b *baseConnection) lastAllocatedStreamID() uint32 {
	cur := atomic.LoadUint32(&b.nextStreamID)
	if cur <= 2 {
		return 0
	}
	return cur - 2
}

// configureServer implements the once-only, server-only,
// inside-on_incoming_connection-only gate shared by both protocol
// versions. Concrete types call this from their ConfigureServer.
func (b *baseConnection) configureServer(opts ServerConfigureOptions) error {
	if b.role != RoleServer {
		return NewConnectionError(ErrInvalidState, "configure_server called on non-server connection")
	}
	if opts.OnIncomingRequest == nil {
		return NewConnectionError(ErrInvalidState, "configure_server requires OnIncomingRequest")
	}
	if !atomic.CompareAndSwapInt32(&b.configuredOnce, 0, 1) {
		return NewConnectionError(ErrInvalidState, "configure_server called more than once")
	}
	b.serverData = &ServerData{
		OnIncomingRequest: opts.OnIncomingRequest,
		OnShutdown:        opts.OnShutdown,
	}
	return nil
}

// IsConfigured reports whether configureServer has succeeded, used by
// Server to enforce "configure_server must be called during
// on_incoming_connection or the connection is rejected as
// ReactionRequired".
func (b *baseConnection) IsConfigured() bool {
	return atomic.LoadInt32(&b.configuredOnce) == 1
}

// wrongVersionError is returned by the default HTTP/2-only method
// stubs an HTTP/1 connection inherits.
func wrongVersionError(op string) error {
	return NewConnectionError(ErrInvalidState, fmt.Sprintf("%s: connection is not HTTP/2", op))
}

// The following default implementations make baseConnection satisfy
// the HTTP/2-only portion of the Connection interface; Http2Connection
// shadows every one of them with a real implementation, and
// Http1Connection inherits them unmodified. The three operations
// return ErrInvalidState without dispatching, the getters report no
// value, and nothing is logged.

func (b *baseConnection) ChangeSettings(settings []http2.Setting, onCompleted func(error)) error {
	return wrongVersionError("change_settings")
}

func (b *baseConnection) Ping(opaqueData []byte, onAck func(error)) error {
	return wrongVersionError("ping")
}

func (b *baseConnection) SendGoAway(errCode http2.ErrCode, allowMoreStreams bool, debugData []byte) error {
	return wrongVersionError("send_goaway")
}

func (b *baseConnection) GetSentGoAway() (GoAwayInfo, bool) {
	return GoAwayInfo{}, false
}

func (b *baseConnection) GetReceivedGoAway() (GoAwayInfo, bool) {
	return GoAwayInfo{}, false
}

func (b *baseConnection) GetLocalSettings() map[http2.SettingID]uint32 {
	return nil
}

func (b *baseConnection) GetRemoteSettings() map[http2.SettingID]uint32 {
	return nil
}
