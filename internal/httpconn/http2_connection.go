package httpconn

import (
	"fmt"
	"sync"

	"golang.org/x/net/http2"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
)

// http2Conn is the minimal io.Reader/io.Writer adapter http2.Framer
// needs to read/write frames; it pipes through the channel's slot
// chain rather than touching a socket directly, so the Framer can run
// over any transport (plain TCP, or TLS via tlsadapt) the channel
// already established.
type http2Conn struct {
	readCh  chan []byte
	pending []byte

	slot *ioloop.Slot
}

func (c *http2Conn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		data, ok := <-c.readCh
		if !ok {
			return 0, fmt.Errorf("httpconn: connection closed")
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *http2Conn) Write(p []byte) (int, error) {
	if left := c.slot.AdjLeft(); left != nil && left.Handler() != nil {
		if err := left.Handler().ProcessWriteMessage(left, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return 0, fmt.Errorf("httpconn: no left-hand handler to write through")
}

func (c *http2Conn) Close() error { close(c.readCh); return nil }

// Http2Connection is the HTTP/2 concrete form of Connection. Stream
// multiplexing (HEADERS/DATA) is explicitly out of scope; this type
// only implements the connection-level frames the spec's Connection
// API exposes: SETTINGS, PING, and GOAWAY, via
// golang.org/x/net/http2.Framer.
type Http2Connection struct {
	*baseConnection

	log *logger.Logger

	framer *http2.Framer
	conn   *http2Conn

	mu             sync.Mutex
	localSettings  map[http2.SettingID]uint32
	remoteSettings map[http2.SettingID]uint32
	sentGoAway     *GoAwayInfo
	receivedGoAway *GoAwayInfo
	pendingPings   map[[8]byte]chan error

	readerStarted bool
}

func newHTTP2Connection(role Role, hostAddress string, log *logger.Logger) *Http2Connection {
	if log == nil {
		log = logger.Nop()
	}
	conn := &http2Conn{readCh: make(chan []byte, 16)}
	c := &Http2Connection{
		baseConnection: newBaseConnection(VersionHTTP2, role, hostAddress),
		log:            log,
		conn:           conn,
		localSettings: map[http2.SettingID]uint32{
			http2.SettingInitialWindowSize: 256 * 1024,
		},
		remoteSettings: map[http2.SettingID]uint32{},
		pendingPings:   map[[8]byte]chan error{},
	}
	c.framer = http2.NewFramer(c.conn, c.conn)
	return c
}

func (c *Http2Connection) onChannelHandlerInstalled(slot *ioloop.Slot) {
	c.slot = slot
	c.channel = slot.Channel()
	c.conn.slot = slot

	c.mu.Lock()
	started := c.readerStarted
	c.readerStarted = true
	c.mu.Unlock()
	if !started && c.channel != nil {
		go c.readLoop()
	}
}

// readLoop drains frames from the Framer, updating remote settings,
// GOAWAY, and ping-ack state. It runs for the lifetime of the
// connection's channel.
func (c *Http2Connection) readLoop() {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			c.mu.Lock()
			_ = f.ForeachSetting(func(s http2.Setting) error {
				c.remoteSettings[s.ID] = s.Val
				return nil
			})
			c.mu.Unlock()
			_ = c.framer.WriteSettingsAck()
		case *http2.PingFrame:
			if f.IsAck() {
				c.mu.Lock()
				ch, ok := c.pendingPings[f.Data]
				delete(c.pendingPings, f.Data)
				c.mu.Unlock()
				if ok {
					ch <- nil
				}
				continue
			}
			_ = c.framer.WritePing(true, f.Data)
		case *http2.GoAwayFrame:
			c.mu.Lock()
			c.receivedGoAway = &GoAwayInfo{
				ErrCode:      f.ErrCode,
				LastStreamID: f.LastStreamID,
				DebugData:    append([]byte(nil), f.DebugData()...),
			}
			c.mu.Unlock()
		}
	}
}

// Close requests channel shutdown, same contract as Http1Connection.
func (c *Http2Connection) Close() {
	c.markClosed()
	if c.channel != nil {
		c.channel.Shutdown(nil)
	}
}

// NewRequestsAllowed reports whether the connection will accept new
// streams: open, and no GOAWAY has been sent or received.
func (c *Http2Connection) NewRequestsAllowed() bool {
	if !c.IsOpen() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentGoAway == nil && c.receivedGoAway == nil
}

// UpdateWindow applies the increment directly; HTTP/2 has its own
// per-connection flow-control window, so there is no accumulator task
// to schedule (unlike Http1Connection).
func (c *Http2Connection) UpdateWindow(increment uint64) {
	if increment == 0 || c.channel == nil {
		return
	}
	c.channel.Schedule(func() {
		if increment > 0x7FFFFFFF {
			increment = 0x7FFFFFFF
		}
		_ = c.framer.WriteWindowUpdate(0, uint32(increment))
	})
}

// ConfigureServer delegates to the shared once-only gate.
func (c *Http2Connection) ConfigureServer(opts ServerConfigureOptions) error {
	return c.configureServer(opts)
}

// ChangeSettings records the given values as the local settings at
// once and writes a SETTINGS frame on the connection's event loop.
// onCompleted, if non-nil, fires on the event loop right after the
// frame is written, with the write error if any; the peer's ack is
// not awaited.
func (c *Http2Connection) ChangeSettings(settings []http2.Setting, onCompleted func(error)) error {
	c.mu.Lock()
	for _, s := range settings {
		c.localSettings[s.ID] = s.Val
	}
	c.mu.Unlock()

	if c.channel == nil {
		return NewConnectionError(ErrInvalidState, "connection has no channel")
	}
	c.channel.Schedule(func() {
		err := c.framer.WriteSettings(settings...)
		if onCompleted != nil {
			onCompleted(err)
		}
	})
	return nil
}

// Ping sends a PING frame and invokes onAck once the peer's ack
// frame is observed by the read loop.
func (c *Http2Connection) Ping(opaqueData []byte, onAck func(error)) error {
	var data [8]byte
	copy(data[:], opaqueData)

	ch := make(chan error, 1)
	c.mu.Lock()
	c.pendingPings[data] = ch
	c.mu.Unlock()

	if c.channel == nil {
		return NewConnectionError(ErrInvalidState, "connection has no channel")
	}
	c.channel.Schedule(func() {
		if err := c.framer.WritePing(false, data); err != nil {
			c.mu.Lock()
			delete(c.pendingPings, data)
			c.mu.Unlock()
			if onAck != nil {
				onAck(err)
			}
			return
		}
		if onAck != nil {
			go func() {
				onAck(<-ch)
			}()
		}
	})
	return nil
}

// SendGoAway writes a GOAWAY frame and records it as sent. May be
// called at most once in effect; subsequent calls still transmit (the
// peer already decides to treat only the first as authoritative) but
// GetSentGoAway always reflects the first recorded value.
func (c *Http2Connection) SendGoAway(errCode http2.ErrCode, allowMoreStreams bool, debugData []byte) error {
	if c.channel == nil {
		return NewConnectionError(ErrInvalidState, "connection has no channel")
	}
	lastStreamID := c.lastAllocatedStreamID()

	c.mu.Lock()
	if c.sentGoAway == nil {
		c.sentGoAway = &GoAwayInfo{ErrCode: errCode, LastStreamID: lastStreamID, DebugData: debugData}
	}
	c.mu.Unlock()

	c.channel.Schedule(func() {
		_ = c.framer.WriteGoAway(lastStreamID, errCode, debugData)
	})
	return nil
}

func (c *Http2Connection) GetSentGoAway() (GoAwayInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentGoAway == nil {
		return GoAwayInfo{}, false
	}
	return *c.sentGoAway, true
}

func (c *Http2Connection) GetReceivedGoAway() (GoAwayInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receivedGoAway == nil {
		return GoAwayInfo{}, false
	}
	return *c.receivedGoAway, true
}

func (c *Http2Connection) GetLocalSettings() map[http2.SettingID]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[http2.SettingID]uint32, len(c.localSettings))
	for k, v := range c.localSettings {
		out[k] = v
	}
	return out
}

func (c *Http2Connection) GetRemoteSettings() map[http2.SettingID]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[http2.SettingID]uint32, len(c.remoteSettings))
	for k, v := range c.remoteSettings {
		out[k] = v
	}
	return out
}

// ProcessReadMessage feeds network bytes to the Framer's reader.
func (c *Http2Connection) ProcessReadMessage(slot *ioloop.Slot, data []byte) error {
	select {
	case c.conn.readCh <- data:
	default:
		c.log.Warn("http2 connection read buffer full, dropping frame bytes", nil)
	}
	return nil
}

// ProcessWriteMessage forwards a write toward the network side.
func (c *Http2Connection) ProcessWriteMessage(slot *ioloop.Slot, data []byte) error {
	if left := slot.AdjLeft(); left != nil && left.Handler() != nil {
		return left.Handler().ProcessWriteMessage(left, data)
	}
	return nil
}

// IncreaseWindow forwards to the left-hand handler.
func (c *Http2Connection) IncreaseWindow(slot *ioloop.Slot, size uint64) error {
	if left := slot.AdjLeft(); left != nil && left.Handler() != nil {
		return left.Handler().IncreaseWindow(left, size)
	}
	return nil
}

// Shutdown marks the connection closed on the read-direction pass.
func (c *Http2Connection) Shutdown(slot *ioloop.Slot, dir ioloop.ShutdownDir, errCause error) error {
	if dir == ioloop.ShutdownDirRead {
		c.markClosed()
		if c.serverData != nil && c.serverData.OnShutdown != nil {
			code := ErrConnectionClosed
			if errCause != nil {
				code = ErrUnknown
			}
			c.serverData.OnShutdown(c, code)
		}
	}
	return nil
}

var _ Connection = (*Http2Connection)(nil)
var _ ioloop.Handler = (*Http2Connection)(nil)
