package ioloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	name string
	mu   sync.Mutex
	shut []ShutdownDir
}

func (h *recordingHandler) ProcessReadMessage(slot *Slot, data []byte) error  { return nil }
func (h *recordingHandler) ProcessWriteMessage(slot *Slot, data []byte) error { return nil }
func (h *recordingHandler) IncreaseWindow(slot *Slot, size uint64) error      { return nil }
func (h *recordingHandler) Shutdown(slot *Slot, dir ShutdownDir, errCause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shut = append(h.shut, dir)
	return nil
}

func TestInsertEndBuildsChain(t *testing.T) {
	loop := NewEventLoop(4)
	defer loop.Stop()

	ch := NewChannel(loop)
	s1 := ch.NewSlot()
	s2 := ch.NewSlot()
	s3 := ch.NewSlot()

	require.NoError(t, ch.InsertEnd(s1))
	require.NoError(t, ch.InsertEnd(s2))
	require.NoError(t, ch.InsertEnd(s3))

	require.Equal(t, s1, ch.Head())
	require.Equal(t, s3, ch.Tail())
	require.Equal(t, s2, s1.AdjRight())
	require.Equal(t, s1, s2.AdjLeft())
	require.Equal(t, s3, s2.AdjRight())
	require.Nil(t, s3.AdjRight())
	require.Nil(t, s1.AdjLeft())
}

func TestSetHandlerRejectsDouble(t *testing.T) {
	loop := NewEventLoop(4)
	defer loop.Stop()

	ch := NewChannel(loop)
	s := ch.NewSlot()
	h1 := &recordingHandler{name: "h1"}
	h2 := &recordingHandler{name: "h2"}

	require.NoError(t, s.SetHandler(h1))
	require.Error(t, s.SetHandler(h2))
	require.Equal(t, h1, s.Handler())
}

func TestRemoveSlotRelinksNeighbors(t *testing.T) {
	loop := NewEventLoop(4)
	defer loop.Stop()

	ch := NewChannel(loop)
	s1, s2, s3 := ch.NewSlot(), ch.NewSlot(), ch.NewSlot()
	require.NoError(t, ch.InsertEnd(s1))
	require.NoError(t, ch.InsertEnd(s2))
	require.NoError(t, ch.InsertEnd(s3))

	require.NoError(t, ch.RemoveSlot(s2))
	require.Equal(t, s3, s1.AdjRight())
	require.Equal(t, s1, s3.AdjLeft())
	require.Equal(t, s1, ch.Head())
	require.Equal(t, s3, ch.Tail())
}

func TestShutdownRunsWriteThenReadDirection(t *testing.T) {
	loop := NewEventLoop(4)
	defer loop.Stop()

	ch := NewChannel(loop)
	s1, s2 := ch.NewSlot(), ch.NewSlot()
	require.NoError(t, ch.InsertEnd(s1))
	require.NoError(t, ch.InsertEnd(s2))

	h1 := &recordingHandler{name: "h1"}
	h2 := &recordingHandler{name: "h2"}
	require.NoError(t, s1.SetHandler(h1))
	require.NoError(t, s2.SetHandler(h2))

	complete := make(chan error, 1)
	ch.OnShutdownComplete(func(err error) { complete <- err })

	cause := errors.New("boom")
	ch.Shutdown(cause)

	select {
	case err := <-complete:
		require.Equal(t, cause, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never fired")
	}

	require.Equal(t, []ShutdownDir{ShutdownDirWrite, ShutdownDirRead}, h1.shut)
	require.Equal(t, []ShutdownDir{ShutdownDirWrite, ShutdownDirRead}, h2.shut)
	require.True(t, ch.IsShuttingDown())
}

func TestEventLoopScheduleRunsInOrder(t *testing.T) {
	loop := NewEventLoop(16)
	defer loop.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		loop.Schedule(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
