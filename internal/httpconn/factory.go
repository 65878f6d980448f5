package httpconn

import (
	"golang.org/x/net/http2"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
	"github.com/crtweave/httpconnmgr/internal/tlsadapt"
)

// alpnProvider is the narrow capability the factory needs from
// whatever handler occupies the slot to the left of its own: the
// negotiated ALPN protocol string. tlsadapt.Handler satisfies it.
type alpnProvider interface {
	NegotiatedProtocol() string
}

// BuildOptions parameterizes ConnectionFactory.Build.
type BuildOptions struct {
	IsServer               bool
	IsUsingTLS             bool
	ManualWindowManagement bool
	InitialWindowSize      uint64
	HostAddress            string
	HTTP2InitialSettings   []http2.Setting
	Logger                 *logger.Logger

	// ProxyRequestTransform, when set, is attached to the built
	// connection's client-side data. Ignored for server connections.
	ProxyRequestTransform ProxyRequestTransform
}

// ConnectionFactory builds a protocol-versioned Connection and splices
// it into a channel, per spec.md §4.A.
type ConnectionFactory struct{}

// Build allocates a new channel slot, determines the protocol version
// (ALPN for TLS, HTTP/1.1 otherwise), constructs the matching
// Connection, and installs it as that slot's handler.
//
// Algorithm (mirrors s_connection_new):
//  1. Allocate a new channel slot, append to the tail of the chain.
//  2. Determine the protocol version from ALPN (TLS) or default to
//     HTTP/1.1 (no TLS).
//  3. Invoke the version- and role-specific constructor.
//  4. Bind the connection's handler into the slot; on failure, destroy
//     the handler and remove the slot.
//  5. Call the version-specific on_channel_handler_installed hook.
func (ConnectionFactory) Build(channel *ioloop.Channel, opts BuildOptions) (Connection, error) {
	slot := channel.NewSlot()
	if err := channel.InsertEnd(slot); err != nil {
		return nil, NewConnectionErrorWithCause(ErrInvalidState, "failed to insert connection slot into channel", err)
	}

	version := VersionHTTP1_1
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	if opts.IsUsingTLS {
		left := slot.AdjLeft()
		if left == nil || left.Handler() == nil {
			channel.RemoveSlot(slot)
			return nil, NewConnectionError(ErrInvalidState, "no TLS handler found to the left of the connection slot")
		}

		var protocol string
		if provider, ok := left.Handler().(alpnProvider); ok {
			protocol = provider.NegotiatedProtocol()
		}

		switch protocol {
		case tlsadapt.ProtocolHTTP11:
			version = VersionHTTP1_1
		case tlsadapt.ProtocolHTTP2:
			version = VersionHTTP2
		case "":
			version = VersionHTTP1_1
		default:
			log.Warn("unrecognized ALPN protocol, assuming HTTP/1.1", logger.LogFields{"protocol": protocol})
			version = VersionHTTP1_1
		}
	}

	role := RoleClient
	if opts.IsServer {
		role = RoleServer
	}

	var conn Connection
	switch version {
	case VersionHTTP1_1:
		conn = newHTTP1Connection(role, opts.HostAddress, opts.InitialWindowSize, log)
	case VersionHTTP2:
		h2 := newHTTP2Connection(role, opts.HostAddress, log)
		if len(opts.HTTP2InitialSettings) > 0 {
			for _, s := range opts.HTTP2InitialSettings {
				h2.localSettings[s.ID] = s.Val
			}
		}
		conn = h2
	default:
		channel.RemoveSlot(slot)
		return nil, NewConnectionError(ErrUnsupportedProtocol, "unsupported protocol version")
	}

	handler, ok := conn.(ioloop.Handler)
	if !ok {
		channel.RemoveSlot(slot)
		return nil, NewConnectionError(ErrInvalidState, "connection implementation is not a valid channel handler")
	}
	if err := slot.SetHandler(handler); err != nil {
		channel.RemoveSlot(slot)
		return nil, NewConnectionErrorWithCause(ErrInvalidState, "failed to install connection handler into slot", err)
	}

	if !opts.IsServer && opts.ProxyRequestTransform != nil {
		switch c := conn.(type) {
		case *Http1Connection:
			c.clientData = &ClientData{ProxyRequestTransform: opts.ProxyRequestTransform}
		case *Http2Connection:
			c.clientData = &ClientData{ProxyRequestTransform: opts.ProxyRequestTransform}
		}
	}

	switch c := conn.(type) {
	case *Http1Connection:
		c.onChannelHandlerInstalled(slot)
	case *Http2Connection:
		c.onChannelHandlerInstalled(slot)
	}

	return conn, nil
}
