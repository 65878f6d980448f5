package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
	"github.com/crtweave/httpconnmgr/internal/logger"
)

type echoHandler struct {
	received chan []byte
}

func (h *echoHandler) ProcessReadMessage(slot *ioloop.Slot, data []byte) error {
	h.received <- data
	return nil
}
func (h *echoHandler) ProcessWriteMessage(slot *ioloop.Slot, data []byte) error { return nil }
func (h *echoHandler) IncreaseWindow(slot *ioloop.Slot, size uint64) error      { return nil }
func (h *echoHandler) Shutdown(slot *ioloop.Slot, dir ioloop.ShutdownDir, errCause error) error {
	return nil
}

func TestServerAndClientBootstrapRoundTrip(t *testing.T) {
	log := logger.Nop()
	server, err := NewServerBootstrap("tcp", "127.0.0.1:0", log)
	require.NoError(t, err)

	serverEcho := &echoHandler{received: make(chan []byte, 1)}
	accepted := make(chan struct{}, 1)
	server.Start(func(channel *ioloop.Channel, nh *NetHandler, err error) {
		require.NoError(t, err)
		slot := channel.NewSlot()
		require.NoError(t, channel.InsertEnd(slot))
		require.NoError(t, slot.SetHandler(serverEcho))
		accepted <- struct{}{}
	}, nil, nil)
	defer server.Close()

	client := NewClientBootstrap(log)
	clientEcho := &echoHandler{received: make(chan []byte, 1)}
	setupDone := make(chan *NetHandler, 1)
	client.Dial(context.Background(), server.Addr().String(), func(channel *ioloop.Channel, nh *NetHandler, err error) {
		require.NoError(t, err)
		slot := channel.NewSlot()
		require.NoError(t, channel.InsertEnd(slot))
		require.NoError(t, slot.SetHandler(clientEcho))
		setupDone <- nh
	}, nil)

	var clientNH *NetHandler
	select {
	case clientNH = <-setupDone:
	case <-time.After(2 * time.Second):
		t.Fatal("client setup never fired")
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted")
	}

	_, err = clientNH.Conn().Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case data := <-serverEcho.received:
		require.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received data")
	}
}

func TestClientBootstrapDialFailure(t *testing.T) {
	client := NewClientBootstrap(logger.Nop())
	done := make(chan error, 1)
	client.Dial(context.Background(), "127.0.0.1:1", func(channel *ioloop.Channel, nh *NetHandler, err error) {
		done <- err
	}, nil)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dial failure callback never fired")
	}
}

func TestParseHostPort(t *testing.T) {
	require.Equal(t, "example.com:443", ParseHostPort("example.com", 443))
	require.Equal(t, "[::1]:80", ParseHostPort("::1", 80))
}
