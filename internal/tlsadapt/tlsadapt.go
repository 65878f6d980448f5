// Package tlsadapt is the narrow "TLS handler" collaborator the
// connection factory queries for the negotiated ALPN protocol. It
// wraps crypto/tls.Conn as an ioloop.Handler so it can sit in a
// channel's slot chain immediately to the left of the connection
// handler, exactly where original_source/source/connection.c expects
// to find connection_slot->adj_left.
package tlsadapt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/crtweave/httpconnmgr/internal/ioloop"
)

// ProtocolHTTP11 and ProtocolHTTP2 are the ALPN protocol IDs the
// connection factory recognizes.
const (
	ProtocolHTTP11 = "http/1.1"
	ProtocolHTTP2  = "h2"
)

// Handler wraps a *tls.Conn as an ioloop.Handler. It performs the
// handshake lazily on first use (Handshake) and then exposes the
// negotiated protocol for the handler to its right to query.
type Handler struct {
	conn *tls.Conn

	mu          sync.Mutex
	handshaked  bool
	negProtocol string

	slot *ioloop.Slot
	done bool
}

// NewHandler wraps an already-dialed net.Conn with TLS client config,
// or an accepted net.Conn with TLS server config, depending on which
// of tls.Client/tls.Server produced conn.
func NewHandler(conn *tls.Conn) *Handler {
	return &Handler{conn: conn}
}

// Client builds a client-side TLS handler that will negotiate ALPN
// over conn once Handshake is called.
func Client(conn net.Conn, cfg *tls.Config) *Handler {
	return &Handler{conn: tls.Client(conn, cfg)}
}

// Server builds a server-side TLS handler that will negotiate ALPN
// over conn once Handshake is called.
func Server(conn net.Conn, cfg *tls.Config) *Handler {
	return &Handler{conn: tls.Server(conn, cfg)}
}

// Handshake performs (or waits for) the TLS handshake and records the
// negotiated ALPN protocol, if any. Must complete before
// NegotiatedProtocol returns a meaningful value.
func (h *Handler) Handshake(ctx context.Context) error {
	if err := h.conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tlsadapt: handshake failed: %w", err)
	}
	h.mu.Lock()
	h.handshaked = true
	h.negProtocol = h.conn.ConnectionState().NegotiatedProtocol
	h.mu.Unlock()
	return nil
}

// NegotiatedProtocol returns the ALPN protocol chosen during the
// handshake, or "" if none was negotiated (or the handshake has not
// completed yet). This is the method original_source's
// aws_tls_handler_protocol stands in for: the connection factory
// calls it on connection_slot->adj_left to pick HTTP/1.1 vs HTTP/2.
func (h *Handler) NegotiatedProtocol() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.negProtocol
}

// Conn returns the underlying *tls.Conn.
func (h *Handler) Conn() *tls.Conn { return h.conn }

// ProcessReadMessage decrypts nothing itself: the left-hand network
// handler in internal/transport reads straight from the *tls.Conn,
// which performs decryption internally, and passes the plaintext to
// this handler, which forwards it on to the right-hand handler.
func (h *Handler) ProcessReadMessage(slot *ioloop.Slot, data []byte) error {
	if right := slot.AdjRight(); right != nil && right.Handler() != nil {
		return right.Handler().ProcessReadMessage(right, data)
	}
	return nil
}

// ProcessWriteMessage writes plaintext bytes through the TLS
// connection, which encrypts them before they hit the network.
func (h *Handler) ProcessWriteMessage(slot *ioloop.Slot, data []byte) error {
	_, err := h.conn.Write(data)
	return err
}

// IncreaseWindow is a no-op; TLS records don't carry their own
// independent flow-control window in this model.
func (h *Handler) IncreaseWindow(slot *ioloop.Slot, size uint64) error {
	return nil
}

// Shutdown closes the TLS connection once, on either shutdown pass.
func (h *Handler) Shutdown(slot *ioloop.Slot, dir ioloop.ShutdownDir, errCause error) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()
	return h.conn.Close()
}
