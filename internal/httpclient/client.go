// Package httpclient is the ClientBootstrap component: it dials an
// outbound connection (through internal/transport, optionally wrapped
// in TLS) and turns it into an httpconn.Connection through
// ConnectionFactory, per spec.md §4.C.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/http2"

	"github.com/crtweave/httpconnmgr/internal/config"
	"github.com/crtweave/httpconnmgr/internal/httpconn"
	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
	"github.com/crtweave/httpconnmgr/internal/tlsadapt"
	"github.com/crtweave/httpconnmgr/internal/transport"
)

// Options configures Connect. Host and OnSetup are required.
type Options struct {
	// Bootstrap, if nil, is created fresh for this call.
	Bootstrap *transport.ClientBootstrap

	Host string
	Port uint16

	// TLSConfig, if non-nil, enables TLS; the connection's protocol
	// version is then chosen from the negotiated ALPN protocol.
	TLSConfig              *tls.Config
	ManualWindowManagement bool
	InitialWindowSize      uint64
	HTTP2InitialSettings   []http2.Setting
	ProxyRequestTransform  httpconn.ProxyRequestTransform

	Defaults *config.Defaults
	Logger   *logger.Logger

	// OnSetup fires exactly once: with a live Connection and a nil
	// error on success, or a nil Connection and a non-nil error on
	// failure.
	OnSetup func(conn httpconn.Connection, err error)
	// OnShutdown, if set, fires at most once, and only after a
	// successful OnSetup.
	OnShutdown func(conn httpconn.Connection, err error)
}

// Connect validates opts and asks the socket layer (via the
// injectable new_socket_channel hook) to start a channel. It returns
// as soon as the dial has been scheduled; completion and failure are
// reported through opts.OnSetup.
func Connect(ctx context.Context, opts Options) error {
	if len(opts.Host) == 0 {
		return httpconn.NewBootstrapError(httpconn.ErrInvalidArgument, "Host is required")
	}
	if opts.OnSetup == nil {
		return httpconn.NewBootstrapError(httpconn.ErrInvalidArgument, "OnSetup is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	initialWindow := opts.Defaults.InitialWindowSizeOrDefault(opts.InitialWindowSize)

	bootstrap := opts.Bootstrap
	if bootstrap == nil {
		bootstrap = transport.NewClientBootstrap(log)
	}
	if opts.TLSConfig != nil {
		cfg := opts.TLSConfig
		bootstrap.SetConnWrapper(func(conn net.Conn) (net.Conn, error) {
			h := tlsadapt.Client(conn, cfg)
			if err := h.Handshake(ctx); err != nil {
				return nil, err
			}
			return h.Conn(), nil
		})
	}

	hostPort := transport.ParseHostPort(opts.Host, opts.Port)

	var mu sync.Mutex
	var liveConn httpconn.Connection

	onSetup := func(channel *ioloop.Channel, nh *transport.NetHandler, err error) {
		if err != nil {
			opts.OnSetup(nil, fmt.Errorf("httpclient: connect %s: %w", hostPort, err))
			return
		}

		conn, buildErr := buildConnection(channel, nh, opts, initialWindow, log)
		if buildErr != nil {
			channel.Shutdown(buildErr)
			opts.OnSetup(nil, buildErr)
			return
		}

		mu.Lock()
		liveConn = conn
		mu.Unlock()
		opts.OnSetup(conn, nil)
	}

	onShutdown := func(channel *ioloop.Channel, err error) {
		mu.Lock()
		conn := liveConn
		mu.Unlock()
		if conn != nil && opts.OnShutdown != nil {
			opts.OnShutdown(conn, err)
		}
	}

	vt := httpconn.GetSystemVTable()
	vt.NewSocketChannel(ctx, bootstrap, hostPort, onSetup, onShutdown)
	return nil
}

// buildConnection inserts a TLS/ALPN slot when TLSConfig is set (the
// raw conn was already handshaked by the ConnWrapper installed above),
// then hands the channel to ConnectionFactory.
func buildConnection(channel *ioloop.Channel, nh *transport.NetHandler, opts Options, initialWindow uint64, log *logger.Logger) (httpconn.Connection, error) {
	if opts.TLSConfig != nil {
		tlsConn, ok := nh.Conn().(*tls.Conn)
		if !ok {
			return nil, httpconn.NewConnectionError(httpconn.ErrInvalidState, "TLS enabled but dialed conn is not a *tls.Conn")
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

	return (httpconn.ConnectionFactory{}).Build(channel, httpconn.BuildOptions{
		IsServer:               false,
		IsUsingTLS:             opts.TLSConfig != nil,
		ManualWindowManagement: opts.ManualWindowManagement,
		InitialWindowSize:      initialWindow,
		HostAddress:            opts.Host,
		HTTP2InitialSettings:   opts.HTTP2InitialSettings,
		Logger:                 log,
		ProxyRequestTransform:  opts.ProxyRequestTransform,
	})
}
