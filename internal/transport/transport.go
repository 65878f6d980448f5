// Package transport supplies the socket and channel bootstrapping that
// sits below the connection-manager core: accepting inbound sockets,
// dialing outbound ones, and wrapping each in turn as an
// ioloop.Channel with its first slot populated by a network handler.
// It corresponds to the "ClientBootstrap/ServerBootstrap" collaborator
// the connection factory is handed, not to the factory itself.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
)

// NetHandler is the leftmost handler installed into every channel this
// package produces: it owns the raw net.Conn and turns its reads into
// ProcessReadMessage calls on adj_right, run on the channel's event
// loop, and its ProcessWriteMessage calls into conn.Write.
type NetHandler struct {
	conn net.Conn
	slot *ioloop.Slot
	mu   sync.Mutex
	done bool
}

// NewNetHandler wraps conn for installation as a channel's first slot
// handler. readLoop must be started separately via Start once the
// slot chain is fully built, mirroring how the real channel only
// begins pumping data once handler installation succeeds.
func NewNetHandler(conn net.Conn) *NetHandler {
	return &NetHandler{conn: conn}
}

// Conn returns the underlying network connection.
func (h *NetHandler) Conn() net.Conn { return h.conn }

// Start launches the read pump, feeding bytes to adj_right's handler
// via ProcessReadMessage until the connection closes or errors.
func (h *NetHandler) Start(slot *ioloop.Slot) {
	h.slot = slot
	go h.readLoop()
}

func (h *NetHandler) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			h.slot.Channel().Schedule(func() {
				if right := h.slot.AdjRight(); right != nil && right.Handler() != nil {
					_ = right.Handler().ProcessReadMessage(right, data)
				}
			})
		}
		if err != nil {
			h.slot.Channel().Shutdown(err)
			return
		}
	}
}

// ProcessReadMessage is unused: NetHandler is always the leftmost
// slot, so it never receives reads from a left neighbor.
func (h *NetHandler) ProcessReadMessage(slot *ioloop.Slot, data []byte) error {
	return fmt.Errorf("transport: NetHandler has no left neighbor to read from")
}

// ProcessWriteMessage writes data to the network connection.
func (h *NetHandler) ProcessWriteMessage(slot *ioloop.Slot, data []byte) error {
	_, err := h.conn.Write(data)
	return err
}

// IncreaseWindow is a no-op: the OS socket buffer is the only window
// NetHandler manages, and TCP already applies backpressure for us.
func (h *NetHandler) IncreaseWindow(slot *ioloop.Slot, size uint64) error {
	return nil
}

// Shutdown closes the underlying connection once, on either pass.
func (h *NetHandler) Shutdown(slot *ioloop.Slot, dir ioloop.ShutdownDir, errCause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return nil
	}
	h.done = true
	return h.conn.Close()
}

// SetupCallback is invoked once a channel has been fully assembled
// (NetHandler installed as slot 0) for an accepted or dialed
// connection. err is non-nil exactly when channel is nil,
// matching the aws_client_bootstrap setup-callback contract.
type SetupCallback func(channel *ioloop.Channel, netHandler *NetHandler, err error)

// ShutdownCallback is invoked once a channel has fully shut down.
type ShutdownCallback func(channel *ioloop.Channel, err error)

// ConnWrapper runs against a freshly accepted or dialed raw net.Conn
// before it is wrapped in a NetHandler, so a caller can splice in a
// TLS handshake (or any other conn-level transform) while keeping the
// rest of the channel-building pipeline untouched. A nil wrapper is a
// no-op.
type ConnWrapper func(conn net.Conn) (net.Conn, error)

// ServerBootstrap listens on a TCP address and, for every accepted
// connection, builds a channel with a NetHandler in its first slot
// before invoking onAccept. It corresponds to
// aws_server_bootstrap_new_socket_listener.
type ServerBootstrap struct {
	log      *logger.Logger
	listener net.Listener
	wrapConn ConnWrapper

	mu       sync.Mutex
	channels map[*ioloop.Channel]struct{}
	closing  bool

	onAccept   SetupCallback
	onShutdown ShutdownCallback
	onDestroy  func()

	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// SetConnWrapper installs a ConnWrapper applied to every subsequently
// accepted raw connection before it is wrapped in a NetHandler. Must
// be called before Start.
func (b *ServerBootstrap) SetConnWrapper(wrap ConnWrapper) {
	b.wrapConn = wrap
}

// NewServerBootstrap binds a TCP listener on address and returns a
// ServerBootstrap ready to Start. The network argument follows
// net.Listen's convention ("tcp", "tcp4", "tcp6").
func NewServerBootstrap(network, address string, log *logger.Logger) (*ServerBootstrap, error) {
	if log == nil {
		log = logger.Nop()
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen on %s %s: %w", network, address, err)
	}
	return &ServerBootstrap{
		log:      log,
		listener: ln,
		channels: make(map[*ioloop.Channel]struct{}),
	}, nil
}

// Addr returns the listener's bound local address.
func (b *ServerBootstrap) Addr() net.Addr {
	return b.listener.Addr()
}

// Start begins accepting connections. onAccept fires once per
// accepted connection with its freshly built channel; onShutdown
// fires once that channel's shutdown has completed; onDestroy fires
// once Close's accept loop has fully stopped and every accepted
// channel has shut down, mirroring destroy_callback ordering.
func (b *ServerBootstrap) Start(onAccept SetupCallback, onShutdown ShutdownCallback, onDestroy func()) {
	b.onAccept = onAccept
	b.onShutdown = onShutdown
	b.onDestroy = onDestroy

	b.wg.Add(1)
	go b.acceptLoop()
}

func (b *ServerBootstrap) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			closing := b.closing
			b.mu.Unlock()
			if closing {
				return
			}
			b.log.Warn("accept failed", logger.LogFields{"error": err})
			return
		}
		go b.handleAccepted(conn)
	}
}

func (b *ServerBootstrap) handleAccepted(conn net.Conn) {
	if b.wrapConn != nil {
		wrapped, err := b.wrapConn(conn)
		if err != nil {
			conn.Close()
			b.log.Warn("conn wrapper failed", logger.LogFields{"error": err})
			if b.onAccept != nil {
				b.onAccept(nil, nil, err)
			}
			return
		}
		conn = wrapped
	}

	loop := ioloop.NewEventLoop(64)
	channel := ioloop.NewChannel(loop)
	netHandler := NewNetHandler(conn)

	slot := channel.NewSlot()
	if err := channel.InsertEnd(slot); err != nil {
		conn.Close()
		loop.Stop()
		if b.onAccept != nil {
			b.onAccept(nil, nil, err)
		}
		return
	}
	if err := slot.SetHandler(netHandler); err != nil {
		conn.Close()
		loop.Stop()
		if b.onAccept != nil {
			b.onAccept(nil, nil, err)
		}
		return
	}

	b.mu.Lock()
	b.channels[channel] = struct{}{}
	b.mu.Unlock()

	channel.OnShutdownComplete(func(err error) {
		b.mu.Lock()
		delete(b.channels, channel)
		remaining := len(b.channels)
		closing := b.closing
		b.mu.Unlock()

		if b.onShutdown != nil {
			b.onShutdown(channel, err)
		}
		loop.Stop()

		if closing && remaining == 0 {
			b.fireDestroy()
		}
	})

	netHandler.Start(slot)
	if b.onAccept != nil {
		b.onAccept(channel, netHandler, nil)
	}
}

// fireDestroy is reached both from Close (when no channels are
// in-flight) and from a channel's OnShutdownComplete (when it's the
// last one to drain after Close started); a connection accepted
// concurrently with Close can observe an empty b.channels snapshot in
// both places, so the once-guard is what keeps onDestroy firing
// exactly once rather than twice.
func (b *ServerBootstrap) fireDestroy() {
	b.destroyOnce.Do(func() {
		if b.onDestroy != nil {
			b.onDestroy()
		}
	})
}

// Close stops accepting new connections and shuts down every
// in-flight channel. onDestroy (registered via Start) fires once the
// listener has stopped and every channel it produced has finished
// shutting down — it may fire synchronously from within Close if
// there were no in-flight channels.
func (b *ServerBootstrap) Close() error {
	b.mu.Lock()
	b.closing = true
	remaining := len(b.channels)
	channels := make([]*ioloop.Channel, 0, remaining)
	for c := range b.channels {
		channels = append(channels, c)
	}
	b.mu.Unlock()

	err := b.listener.Close()
	b.wg.Wait()

	for _, c := range channels {
		c.Shutdown(nil)
	}
	if remaining == 0 {
		b.fireDestroy()
	}
	return err
}

// ClientBootstrap dials outbound TCP connections and assembles a
// channel with a NetHandler in its first slot before invoking
// onSetup, mirroring aws_client_bootstrap_new_socket_channel.
type ClientBootstrap struct {
	log      *logger.Logger
	wrapConn ConnWrapper
}

// NewClientBootstrap creates a ClientBootstrap.
func NewClientBootstrap(log *logger.Logger) *ClientBootstrap {
	if log == nil {
		log = logger.Nop()
	}
	return &ClientBootstrap{log: log}
}

// SetConnWrapper installs a ConnWrapper applied to every subsequently
// dialed raw connection before it is wrapped in a NetHandler, e.g. to
// perform a TLS handshake. Must be called before Dial.
func (b *ClientBootstrap) SetConnWrapper(wrap ConnWrapper) {
	b.wrapConn = wrap
}

// Dial connects to hostPort ("host:port") and invokes onSetup exactly
// once: with a non-nil channel and nil error on success, or a nil
// channel and non-nil error on failure. onShutdown fires exactly once
// after a successful setup, when the channel finishes shutting down.
func (b *ClientBootstrap) Dial(ctx context.Context, hostPort string, onSetup SetupCallback, onShutdown ShutdownCallback) {
	go b.dial(ctx, hostPort, onSetup, onShutdown)
}

func (b *ClientBootstrap) dial(ctx context.Context, hostPort string, onSetup SetupCallback, onShutdown ShutdownCallback) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		b.log.Error("dial failed", logger.LogFields{"addr": hostPort, "error": err})
		onSetup(nil, nil, fmt.Errorf("transport: dial %s: %w", hostPort, err))
		return
	}

	if b.wrapConn != nil {
		wrapped, werr := b.wrapConn(conn)
		if werr != nil {
			conn.Close()
			onSetup(nil, nil, werr)
			return
		}
		conn = wrapped
	}

	loop := ioloop.NewEventLoop(64)
	channel := ioloop.NewChannel(loop)
	netHandler := NewNetHandler(conn)

	slot := channel.NewSlot()
	if err := channel.InsertEnd(slot); err != nil {
		conn.Close()
		loop.Stop()
		onSetup(nil, nil, err)
		return
	}
	if err := slot.SetHandler(netHandler); err != nil {
		conn.Close()
		loop.Stop()
		onSetup(nil, nil, err)
		return
	}

	channel.OnShutdownComplete(func(err error) {
		loop.Stop()
		if onShutdown != nil {
			onShutdown(channel, err)
		}
	})

	netHandler.Start(slot)
	onSetup(channel, netHandler, nil)
}

// ParseHostPort joins a host and port, which connection options carry
// separately, into the "host:port" dial target httpclient uses. An
// IPv6 literal is bracketed exactly once, whether or not host already
// carries the brackets.
func ParseHostPort(host string, port uint16) string {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// IsAddrInUse reports whether err indicates the local address was
// already bound by another listener.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
