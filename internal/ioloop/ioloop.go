// Package ioloop implements the channel/slot/event-loop primitives that
// the connection-manager core is wired into. A Channel is an ordered
// chain of Slots, each holding at most one Handler; data flows left
// (network) to right (application) on read, and right to left on
// write. Every Channel is bound to exactly one EventLoop, and only
// that EventLoop's goroutine may touch a Handler's thread-affine
// state — cross-thread callers must go through Channel.Schedule.
package ioloop

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the interface a protocol implementation installs into a
// Slot. Reads flow in from adj_left, writes flow out through adj_left;
// a handler at the rightmost slot has no adj_right and is the final
// consumer of read messages.
type Handler interface {
	// ProcessReadMessage handles a chunk of data that arrived from the
	// network side of the channel (i.e. from adj_left).
	ProcessReadMessage(slot *Slot, data []byte) error

	// ProcessWriteMessage handles a chunk of data headed toward the
	// network side of the channel (i.e. toward adj_left).
	ProcessWriteMessage(slot *Slot, data []byte) error

	// IncreaseWindow is called when downstream capacity opens up and
	// the handler may want to read more.
	IncreaseWindow(slot *Slot, size uint64) error

	// Shutdown is invoked once per direction when the channel tears
	// down: first the write-direction pass, then the read-direction
	// pass, as dir indicates; errCause is non-nil if shutdown was
	// triggered by an error.
	Shutdown(slot *Slot, dir ShutdownDir, errCause error) error
}

// ShutdownDir distinguishes the two shutdown passes a channel runs:
// read-direction (left to right) and write-direction (right to left).
type ShutdownDir int

const (
	ShutdownDirRead ShutdownDir = iota
	ShutdownDirWrite
)

// Slot is one link in a Channel's handler chain.
type Slot struct {
	channel  *Channel
	handler  Handler
	adjLeft  *Slot
	adjRight *Slot
}

// Channel returns the Channel this slot belongs to.
func (s *Slot) Channel() *Channel { return s.channel }

// AdjLeft returns the neighboring slot toward the network, or nil if
// this slot is leftmost.
func (s *Slot) AdjLeft() *Slot { return s.adjLeft }

// AdjRight returns the neighboring slot toward the application, or
// nil if this slot is rightmost.
func (s *Slot) AdjRight() *Slot { return s.adjRight }

// Handler returns the handler currently installed in this slot, or
// nil if none has been set yet.
func (s *Slot) Handler() Handler { return s.handler }

// SetHandler installs h into the slot. It is an error to call this
// more than once on the same slot.
func (s *Slot) SetHandler(h Handler) error {
	if s.handler != nil {
		return fmt.Errorf("ioloop: slot already has a handler installed")
	}
	s.handler = h
	return nil
}

// Channel owns an ordered chain of Slots and the EventLoop that
// drives them. All handler callbacks for slots in this channel run on
// that EventLoop's goroutine.
type Channel struct {
	loop *EventLoop

	mu       sync.Mutex
	head     *Slot
	tail     *Slot
	shutdown bool
	shutErr  error

	onShutdownComplete func(err error)
}

// NewChannel creates an empty channel bound to loop.
func NewChannel(loop *EventLoop) *Channel {
	return &Channel{loop: loop}
}

// EventLoop returns the event loop this channel is bound to.
func (c *Channel) EventLoop() *EventLoop { return c.loop }

// NewSlot allocates a new, handler-less slot bound to this channel.
// Mirrors aws_channel_slot_new: the slot is not yet part of the chain
// until InsertEnd is called.
func (c *Channel) NewSlot() *Slot {
	return &Slot{channel: c}
}

// InsertEnd appends slot to the tail of the channel's slot chain,
// linking it to the current tail as adj_left/adj_right.
func (c *Channel) InsertEnd(slot *Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot.channel != c {
		return fmt.Errorf("ioloop: slot does not belong to this channel")
	}
	if c.tail != nil {
		c.tail.adjRight = slot
		slot.adjLeft = c.tail
	} else {
		c.head = slot
	}
	c.tail = slot
	return nil
}

// RemoveSlot unlinks slot from the chain, relinking its neighbors.
// Mirrors aws_channel_slot_remove, used on the error path of
// connection setup when handler installation fails.
func (c *Channel) RemoveSlot(slot *Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slot.adjLeft != nil {
		slot.adjLeft.adjRight = slot.adjRight
	} else {
		c.head = slot.adjRight
	}
	if slot.adjRight != nil {
		slot.adjRight.adjLeft = slot.adjLeft
	} else {
		c.tail = slot.adjLeft
	}
	slot.adjLeft, slot.adjRight = nil, nil
	return nil
}

// Head returns the leftmost (network-facing) slot, or nil if the
// channel has no slots yet.
func (c *Channel) Head() *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Tail returns the rightmost (application-facing) slot, or nil if the
// channel has no slots yet.
func (c *Channel) Tail() *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail
}

// OnShutdownComplete registers a callback fired exactly once, on the
// event loop thread, after Shutdown has run to completion on every
// slot's handler.
func (c *Channel) OnShutdownComplete(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShutdownComplete = fn
}

// Shutdown schedules a shutdown pass across every handler in the
// chain, tail-to-head for the write direction, then head-to-tail for
// read, matching the teardown order the channel slot chain implies.
// Safe to call from any goroutine; the actual work runs on the event
// loop. Calling Shutdown more than once is a no-op after the first.
func (c *Channel) Shutdown(errCause error) {
	c.loop.Schedule(func() {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return
		}
		c.shutdown = true
		c.shutErr = errCause
		head, tail := c.head, c.tail
		cb := c.onShutdownComplete
		c.mu.Unlock()

		for s := tail; s != nil; s = s.adjLeft {
			if s.handler != nil {
				_ = s.handler.Shutdown(s, ShutdownDirWrite, errCause)
			}
		}
		for s := head; s != nil; s = s.adjRight {
			if s.handler != nil {
				_ = s.handler.Shutdown(s, ShutdownDirRead, errCause)
			}
		}
		if cb != nil {
			cb(errCause)
		}
	})
}

// IsShuttingDown reports whether Shutdown has begun.
func (c *Channel) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Schedule runs fn on this channel's event loop. Equivalent to
// c.EventLoop().Schedule(fn); provided for callers that only hold a
// Channel reference.
func (c *Channel) Schedule(fn func()) {
	c.loop.Schedule(fn)
}

// EventLoop is a single goroutine that serializes all task execution
// for the channels bound to it, standing in for aws_event_loop. Tasks
// scheduled from any goroutine run in submission order on the loop's
// own goroutine, which is what gives handler code its "only touched
// from one thread" guarantee.
type EventLoop struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventLoop starts a new event loop goroutine with the given task
// queue depth.
func NewEventLoop(queueDepth int) *EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	el := &EventLoop{
		tasks:  make(chan func(), queueDepth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go el.run()
	return el
}

func (el *EventLoop) run() {
	defer close(el.done)
	for {
		select {
		case <-el.ctx.Done():
			return
		case task := <-el.tasks:
			task()
		}
	}
}

// Schedule enqueues fn to run on the loop's goroutine. If the loop has
// already been stopped, fn is dropped.
func (el *EventLoop) Schedule(fn func()) {
	select {
	case el.tasks <- fn:
	case <-el.ctx.Done():
	}
}

// Stop signals the loop to exit after its current task, if any,
// finishes. It does not wait for in-flight tasks queued after Stop
// was called.
func (el *EventLoop) Stop() {
	el.cancel()
}

// Done returns a channel closed once the loop's goroutine has
// returned.
func (el *EventLoop) Done() <-chan struct{} {
	return el.done
}
