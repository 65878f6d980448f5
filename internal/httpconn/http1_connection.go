package httpconn

import (
	"bufio"
	"bytes"
	"sync"
	"time"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
)

// streamState tracks one HTTP/1 stream through its lifecycle.
type streamState int

const (
	streamPending streamState = iota
	streamActive
	streamDone
	streamErrored
)

// h1Stream is one in-flight request/response exchange on an HTTP/1
// connection. The wire framing itself belongs to the out-of-scope
// HTTP/1 frame encoder/decoder; this is just the bookkeeping the
// pipelining logic operates on.
type h1Stream struct {
	id    uint32
	head  *OutgoingHead
	state streamState
}

// Http1Connection is the HTTP/1.1 concrete form of Connection. It
// splits its state into an event-loop-thread-only block (touched only
// from the goroutine driving its channel) and a lock-protected block
// (touched by any caller), per spec.md §3/§5.
type Http1Connection struct {
	*baseConnection

	log   *logger.Logger
	codec http1Codec

	initialWindowSize uint64 // immutable after construction

	// --- event-loop-thread-only substate ---
	streams       []*h1Stream
	outgoingIdx   int // index of the stream currently being serialized, or len(streams)
	incomingIdx   int // index of the stream currently being deserialized, or len(streams)
	decodeBuf     *bufio.Reader
	pendingReader *pendingConnReader

	midChannelReadMessages [][]byte

	isReadingStopped              bool
	isWritingStopped              bool
	hasSwitchedProtocols          bool
	canCreateRequestHandlerStream bool

	outgoingStreamStartedAt time.Time
	incomingStreamStartedAt time.Time

	// --- lock-protected substate ---
	mu                         sync.Mutex
	newClientStreamList        []*h1Stream
	isOutgoingStreamTaskActive bool
	isOpenMirror               bool
	newStreamErrorSet          bool
	newStreamErrorCode         ErrorCode
	windowUpdateSize           uint64
}

// pendingConnReader feeds bytes arriving via ProcessReadMessage into a
// bufio.Reader the codec can consume a line at a time.
type pendingConnReader struct {
	buf bytes.Buffer
}

func (p *pendingConnReader) Read(b []byte) (int, error) {
	if p.buf.Len() == 0 {
		return 0, bufioErrNoData
	}
	return p.buf.Read(b)
}

// bufioErrNoData signals "nothing buffered yet" to a bufio.Reader
// pulling from pendingConnReader; callers retry once more data has
// arrived rather than treating this as EOF.
var bufioErrNoData = &noDataError{}

type noDataError struct{}

func (*noDataError) Error() string { return "httpconn: no data buffered yet" }

// newHTTP1Connection constructs an Http1Connection. hostAddress is the
// peer address string recorded for HostAddress(); role and
// initialWindowSize mirror the factory's parameters, and a zero
// initialWindowSize becomes 256 KiB.
func newHTTP1Connection(role Role, hostAddress string, initialWindowSize uint64, log *logger.Logger) *Http1Connection {
	if log == nil {
		log = logger.Nop()
	}
	if initialWindowSize == 0 {
		initialWindowSize = 256 * 1024
	}
	c := &Http1Connection{
		baseConnection:                newBaseConnection(VersionHTTP1_1, role, hostAddress),
		log:                           log,
		codec:                         newLineCodec(),
		initialWindowSize:             initialWindowSize,
		canCreateRequestHandlerStream: true,
	}
	c.isOpenMirror = true
	c.pendingReader = &pendingConnReader{}
	c.decodeBuf = bufio.NewReader(c.pendingReader)
	return c
}

// onChannelHandlerInstalled is the version-specific hook the factory
// calls after binding the connection's handler into its slot.
func (c *Http1Connection) onChannelHandlerInstalled(slot *ioloop.Slot) {
	c.slot = slot
	c.channel = slot.Channel()
}

// Close stops reading and writing and asks the owning channel to
// shut down. Idempotent.
func (c *Http1Connection) Close() {
	c.mu.Lock()
	alreadyClosed := !c.isOpenMirror
	c.isOpenMirror = false
	c.mu.Unlock()

	if alreadyClosed {
		return
	}
	c.markClosed()
	if c.channel != nil {
		c.channel.Shutdown(nil)
	}
}

// IsOpen reads the lock-protected mirror rather than baseConnection's
// atomic flag directly, matching spec's explicit "is_open mirror for
// callers off-thread" in Http1Connection's synced_data.
func (c *Http1Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpenMirror
}

// NewRequestsAllowed reports whether a new stream may currently be
// submitted: the connection must be open and have no sticky
// new-stream error recorded.
func (c *Http1Connection) NewRequestsAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpenMirror && !c.newStreamErrorSet
}

// rejectNewStreams records a sticky error code; any subsequent
// SubmitRequest fails immediately with it, per invariant 5.
func (c *Http1Connection) rejectNewStreams(code ErrorCode) {
	c.mu.Lock()
	if !c.newStreamErrorSet {
		c.newStreamErrorSet = true
		c.newStreamErrorCode = code
	}
	c.mu.Unlock()
}

// UpdateWindow accumulates increment into the lock-protected
// accumulator; if it transitions zero -> non-zero, it schedules the
// single window-update task onto the event-loop thread, which swaps
// the accumulator to zero and applies the total there.
func (c *Http1Connection) UpdateWindow(increment uint64) {
	if increment == 0 {
		return
	}
	c.mu.Lock()
	was := c.windowUpdateSize
	c.windowUpdateSize += increment
	c.mu.Unlock()

	if was == 0 && c.channel != nil {
		c.channel.Schedule(c.runWindowUpdateTask)
	}
}

func (c *Http1Connection) runWindowUpdateTask() {
	c.mu.Lock()
	total := c.windowUpdateSize
	c.windowUpdateSize = 0
	c.mu.Unlock()

	if total == 0 {
		return
	}
	c.log.Debug("applying window update", logger.LogFields{"increment": total})
	if c.slot != nil {
		_ = c.IncreaseWindow(c.slot, total)
	}
}

// ConfigureServer delegates to the shared once-only gate.
func (c *Http1Connection) ConfigureServer(opts ServerConfigureOptions) error {
	return c.configureServer(opts)
}

// SubmitRequest enqueues a new outgoing client stream. It is the
// concrete entry point the out-of-scope request/response object model
// would otherwise own; exposed here just enough to drive and test the
// pipelining state machine described in spec.md §4.D.
func (c *Http1Connection) SubmitRequest(head *OutgoingHead) (uint32, error) {
	if c.role != RoleClient {
		return 0, NewConnectionError(ErrInvalidState, "submit_request called on non-client connection")
	}
	c.mu.Lock()
	if !c.isOpenMirror {
		c.mu.Unlock()
		return 0, NewConnectionError(ErrConnectionClosed, "connection is closed")
	}
	if c.newStreamErrorSet {
		code := c.newStreamErrorCode
		c.mu.Unlock()
		return 0, NewConnectionError(code, "new streams rejected")
	}
	c.mu.Unlock()

	id, err := c.NextStreamID()
	if err != nil {
		return 0, err
	}

	stream := &h1Stream{id: id, head: head, state: streamPending}

	c.mu.Lock()
	c.newClientStreamList = append(c.newClientStreamList, stream)
	wasActive := c.isOutgoingStreamTaskActive
	c.isOutgoingStreamTaskActive = true
	c.mu.Unlock()

	if !wasActive && c.channel != nil {
		c.channel.Schedule(c.runOutgoingStreamTask)
	}

	return id, nil
}

// runOutgoingStreamTask drains newly submitted client streams into the
// event-loop-thread stream list, then serializes streams head-first,
// advancing the outgoing cursor without re-entering the scheduler
// until the drained list is empty (pipelining).
func (c *Http1Connection) runOutgoingStreamTask() {
	for {
		c.mu.Lock()
		fresh := c.newClientStreamList
		c.newClientStreamList = nil
		c.mu.Unlock()

		c.streams = append(c.streams, fresh...)

		if c.outgoingIdx >= len(c.streams) {
			c.mu.Lock()
			if len(c.newClientStreamList) == 0 {
				c.isOutgoingStreamTaskActive = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			continue
		}

		stream := c.streams[c.outgoingIdx]
		stream.state = streamActive
		c.outgoingStreamStartedAt = time.Now()

		var buf bytes.Buffer
		if err := c.codec.EncodeRequestHead(&buf, stream.head); err != nil {
			stream.state = streamErrored
			c.outgoingIdx++
			continue
		}
		if c.slot != nil {
			if left := c.slot.AdjLeft(); left != nil && left.Handler() != nil {
				_ = left.Handler().ProcessWriteMessage(left, buf.Bytes())
			}
		}
		stream.state = streamDone
		c.outgoingIdx++
	}
}

// ProcessReadMessage implements ioloop.Handler: bytes arriving from
// the network are either parsed as the next head (pre-upgrade) or
// forwarded verbatim (post-upgrade pass-through).
func (c *Http1Connection) ProcessReadMessage(slot *ioloop.Slot, data []byte) error {
	if c.hasSwitchedProtocols {
		c.midChannelReadMessages = append(c.midChannelReadMessages, data)
		if right := slot.AdjRight(); right != nil && right.Handler() != nil {
			return right.Handler().ProcessReadMessage(right, data)
		}
		return nil
	}

	c.pendingReader.buf.Write(data)
	for {
		head, err := c.codec.DecodeHead(c.decodeBuf)
		if err == bufioErrNoData {
			return nil
		}
		if err != nil {
			return nil // incomplete head buffered; wait for more data
		}
		c.incomingStreamStartedAt = time.Now()
		if c.incomingIdx < len(c.streams) {
			c.streams[c.incomingIdx].state = streamDone
			c.incomingIdx++
		}
		if c.role == RoleServer && head.Method != "" && c.serverData != nil && c.serverData.OnIncomingRequest != nil {
			c.serverData.OnIncomingRequest(c, &Request{Method: head.Method, Path: head.Path, Headers: head.Headers})
		}
	}
}

// ProcessWriteMessage forwards a write toward the network side.
func (c *Http1Connection) ProcessWriteMessage(slot *ioloop.Slot, data []byte) error {
	if left := slot.AdjLeft(); left != nil && left.Handler() != nil {
		return left.Handler().ProcessWriteMessage(left, data)
	}
	return nil
}

// IncreaseWindow forwards to the handler to our left (toward the
// network), mirroring how a channel propagates read-window capacity.
func (c *Http1Connection) IncreaseWindow(slot *ioloop.Slot, size uint64) error {
	if left := slot.AdjLeft(); left != nil && left.Handler() != nil {
		return left.Handler().IncreaseWindow(left, size)
	}
	return nil
}

// Shutdown marks the connection closed and stops reading/writing.
// Invoked once per direction by the owning channel's shutdown pass.
func (c *Http1Connection) Shutdown(slot *ioloop.Slot, dir ioloop.ShutdownDir, errCause error) error {
	switch dir {
	case ioloop.ShutdownDirWrite:
		c.mu.Lock()
		c.isWritingStopped = true
		c.mu.Unlock()
	case ioloop.ShutdownDirRead:
		c.mu.Lock()
		c.isReadingStopped = true
		c.isOpenMirror = false
		c.mu.Unlock()
		c.markClosed()

		code := ErrConnectionClosed
		if errCause != nil {
			code = ErrUnknown
		}
		c.rejectNewStreams(code)

		if c.serverData != nil && c.serverData.OnShutdown != nil {
			c.serverData.OnShutdown(c, code)
		}
	}
	return nil
}

// markUpgraded transitions the connection to the terminal
// pass-through state. Thereafter no HTTP decoding occurs; bytes are
// forwarded verbatim.
func (c *Http1Connection) markUpgraded() {
	c.hasSwitchedProtocols = true
}

var _ Connection = (*Http1Connection)(nil)
var _ ioloop.Handler = (*Http1Connection)(nil)
