package httpconn

import (
	"context"
	"sync/atomic"

	"github.com/crtweave/httpconnmgr/internal/transport"
)

// NewSocketChannelFn matches the signature of
// transport.ClientBootstrap.Dial, the one hookable entry point in the
// system. It is a function value rather than an interface because the
// original aws_http_connection_system_vtable hooks exactly one
// function pointer.
type NewSocketChannelFn func(ctx context.Context, bootstrap *transport.ClientBootstrap, hostPort string, onSetup transport.SetupCallback, onShutdown transport.ShutdownCallback)

// SystemVTable is the process-wide, swappable function table. Only
// NewSocketChannel is currently hookable, mirroring
// aws_http_connection_system_vtable.
type SystemVTable struct {
	NewSocketChannel NewSocketChannelFn
}

func defaultNewSocketChannel(ctx context.Context, bootstrap *transport.ClientBootstrap, hostPort string, onSetup transport.SetupCallback, onShutdown transport.ShutdownCallback) {
	bootstrap.Dial(ctx, hostPort, onSetup, onShutdown)
}

var systemVTable atomic.Pointer[SystemVTable]

func init() {
	systemVTable.Store(&SystemVTable{NewSocketChannel: defaultNewSocketChannel})
}

// SetSystemVTable replaces the process-wide hook table wholesale. Must
// be set before any concurrent Connect call; replacement is not
// ordered against in-flight operations, exactly as
// aws_http_connection_set_system_vtable documents.
func SetSystemVTable(vt *SystemVTable) {
	if vt == nil {
		return
	}
	systemVTable.Store(vt)
}

// GetSystemVTable returns the currently installed hook table.
func GetSystemVTable() *SystemVTable {
	return systemVTable.Load()
}

// ResetSystemVTable restores the real socket-channel factory. Exposed
// for tests that install a fake vtable and need to clean up.
func ResetSystemVTable() {
	systemVTable.Store(&SystemVTable{NewSocketChannel: defaultNewSocketChannel})
}
