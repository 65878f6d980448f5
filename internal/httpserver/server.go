// Package httpserver is the Server component: it owns a listening
// socket (via internal/transport) and turns every accepted connection
// into an httpconn.Connection through ConnectionFactory, per
// spec.md §4.B.
package httpserver

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/crtweave/httpconnmgr/internal/config"
	"github.com/crtweave/httpconnmgr/internal/httpconn"
	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
	"github.com/crtweave/httpconnmgr/internal/tlsadapt"
	"github.com/crtweave/httpconnmgr/internal/transport"
)

// Options configures New. OnIncomingConnection is required and is
// invoked at most once per accepted channel; on success it carries a
// live Connection the caller must call ConfigureServer on before
// returning, or the connection is rejected as ReactionRequired.
type Options struct {
	Network string // defaults to "tcp"
	Address string

	// TLSConfig, if non-nil, enables TLS; the connection's protocol
	// version is then chosen from the negotiated ALPN protocol.
	TLSConfig              *tls.Config
	ManualWindowManagement bool
	InitialWindowSize      uint64

	Defaults *config.Defaults
	Logger   *logger.Logger

	OnIncomingConnection func(server *Server, conn httpconn.Connection, err error)
	OnDestroyComplete    func()
}

// Server listens for inbound connections and builds a Connection for
// each one via ConnectionFactory.
type Server struct {
	log     *logger.Logger
	factory httpconn.ConnectionFactory

	bootstrap *transport.ServerBootstrap

	tlsConfig         *tls.Config
	manualWindow      bool
	initialWindowSize uint64

	mu                  sync.Mutex
	isShuttingDown      bool
	channelToConnection map[*ioloop.Channel]httpconn.Connection

	onIncomingConnection func(server *Server, conn httpconn.Connection, err error)
	onDestroyComplete    func()
}

// New validates opts, binds a listener, and starts accepting
// connections. The lock is held across listener creation and the
// start of the accept loop so that the setup/shutdown/destroy
// callbacks — which may begin firing as soon as Start returns — never
// observe a half-initialized Server.
func New(opts Options) (*Server, error) {
	if opts.OnIncomingConnection == nil {
		return nil, httpconn.NewBootstrapError(httpconn.ErrInvalidArgument, "OnIncomingConnection is required")
	}
	if opts.Address == "" {
		return nil, httpconn.NewBootstrapError(httpconn.ErrInvalidArgument, "Address is required")
	}

	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	initialWindow := opts.Defaults.InitialWindowSizeOrDefault(opts.InitialWindowSize)

	s := &Server{
		log:                  log,
		tlsConfig:            opts.TLSConfig,
		manualWindow:         opts.ManualWindowManagement,
		initialWindowSize:    initialWindow,
		channelToConnection:  make(map[*ioloop.Channel]httpconn.Connection),
		onIncomingConnection: opts.OnIncomingConnection,
		onDestroyComplete:    opts.OnDestroyComplete,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bootstrap, err := transport.NewServerBootstrap(network, opts.Address, log)
	if err != nil {
		return nil, httpconn.NewBootstrapErrorWithCause(httpconn.ErrInvalidState, "failed to bind listener", err)
	}
	if s.tlsConfig != nil {
		cfg := s.tlsConfig
		bootstrap.SetConnWrapper(func(conn net.Conn) (net.Conn, error) {
			h := tlsadapt.Server(conn, cfg)
			if err := h.Handshake(context.Background()); err != nil {
				return nil, err
			}
			return h.Conn(), nil
		})
	}
	s.bootstrap = bootstrap
	bootstrap.Start(s.onAccept, s.onChannelShutdown, s.onListenerDestroy)

	return s, nil
}

// Addr returns the listener's bound local address.
func (s *Server) Addr() net.Addr {
	return s.bootstrap.Addr()
}

func (s *Server) onAccept(channel *ioloop.Channel, netHandler *transport.NetHandler, err error) {
	if err != nil {
		s.onIncomingConnection(s, nil, err)
		return
	}

	conn, err := s.buildConnection(channel, netHandler)
	if err != nil {
		s.log.Warn("failed to build connection for accepted channel", logger.LogFields{"error": err})
		channel.Shutdown(err)
		s.onIncomingConnection(s, nil, err)
		return
	}

	s.mu.Lock()
	if s.isShuttingDown {
		s.mu.Unlock()
		closedErr := httpconn.NewConnectionError(httpconn.ErrConnectionClosed, "server is shutting down")
		conn.Release()
		channel.Shutdown(closedErr)
		s.onIncomingConnection(s, nil, closedErr)
		return
	}
	s.channelToConnection[channel] = conn
	s.mu.Unlock()

	s.onIncomingConnection(s, conn, nil)

	if !conn.IsConfigured() {
		s.mu.Lock()
		delete(s.channelToConnection, channel)
		s.mu.Unlock()

		reactionErr := httpconn.NewConnectionError(httpconn.ErrReactionRequired, "on_incoming_connection did not call configure_server")
		s.log.Warn("rejecting connection", logger.LogFields{"error": reactionErr})
		conn.Release()
		channel.Shutdown(reactionErr)
	}
}

// buildConnection inserts a TLS/ALPN slot when TLSConfig is set (the
// raw conn was already handshaked by the ConnWrapper installed in
// New), then hands the channel to ConnectionFactory.
func (s *Server) buildConnection(channel *ioloop.Channel, netHandler *transport.NetHandler) (httpconn.Connection, error) {
	hostAddress := ""
	if conn := netHandler.Conn(); conn != nil && conn.RemoteAddr() != nil {
		hostAddress = conn.RemoteAddr().String()
	}

	if s.tlsConfig != nil {
		tlsConn, ok := netHandler.Conn().(*tls.Conn)
		if !ok {
			return nil, httpconn.NewConnectionError(httpconn.ErrInvalidState, "TLS enabled but accepted conn is not a *tls.Conn")
		}
		alpn := tlsadapt.NewHandler(tlsConn)
		if err := alpn.Handshake(context.Background()); err != nil {
			return nil, err
		}
		slot := channel.NewSlot()
		if err := channel.InsertEnd(slot); err != nil {
			return nil, err
		}
		if err := slot.SetHandler(alpn); err != nil {
			return nil, err
		}
	}

	return s.factory.Build(channel, httpconn.BuildOptions{
		IsServer:               true,
		IsUsingTLS:             s.tlsConfig != nil,
		ManualWindowManagement: s.manualWindow,
		InitialWindowSize:      s.initialWindowSize,
		HostAddress:            hostAddress,
		Logger:                 s.log,
	})
}

// onChannelShutdown removes the channel's map entry. Forwarding the
// error to the connection's server-side OnShutdown already happens
// inside the connection's own Shutdown hook, which the channel invokes
// directly as part of its teardown; this callback only needs to keep
// the map accurate.
func (s *Server) onChannelShutdown(channel *ioloop.Channel, err error) {
	s.mu.Lock()
	delete(s.channelToConnection, channel)
	s.mu.Unlock()
}

func (s *Server) onListenerDestroy() {
	if s.onDestroyComplete != nil {
		s.onDestroyComplete()
	}
}

// Release is idempotent: if already shutting down, it returns
// silently. Otherwise it marks the server as shutting down, requests
// shutdown of every live connection with ConnectionClosed, then asks
// the bootstrap layer to destroy the listener. Teardown completes
// asynchronously; OnDestroyComplete (if set) fires once every child
// channel has finished shutting down.
func (s *Server) Release() {
	s.mu.Lock()
	if s.isShuttingDown {
		s.mu.Unlock()
		return
	}
	s.isShuttingDown = true
	conns := make([]httpconn.Connection, 0, len(s.channelToConnection))
	for _, c := range s.channelToConnection {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	_ = s.bootstrap.Close()
}
