// Package config holds the tuning defaults for the connection manager:
// initial window sizes, concurrency caps, and timeouts. Of these, the
// server and client bootstraps read only the initial window size, when
// an options struct leaves it at zero. It does not configure routing
// or handlers — the
// spec's external interfaces (Server/Client/Connection options) are
// plain Go structs built by the caller, not file-driven.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity the logger emits.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Defaults holds the tuning knobs a deployment may want to override
// without touching Go code. httpserver.New and httpclient.Connect read
// InitialWindowSize from the Defaults passed in their options when the
// options leave InitialWindowSize at zero; they read no other field,
// and there is no process-wide Defaults.
type Defaults struct {
	LogLevel LogLevel `toml:"log_level,omitempty"`

	// InitialWindowSize is the initial window size given to HTTP/1
	// connections when the options leave it at zero, whether or not
	// manual window management is on. HTTP/2 connections do not use it.
	InitialWindowSize *uint64 `toml:"initial_window_size,omitempty"`

	// MaxConcurrentStreams is a default for
	// SETTINGS_MAX_CONCURRENT_STREAMS, returned by
	// MaxConcurrentStreamsOrDefault; no connection advertises it to
	// peers.
	MaxConcurrentStreams *uint32 `toml:"max_concurrent_streams,omitempty"`

	// MaxHeaderListSize is the default SETTINGS_MAX_HEADER_LIST_SIZE.
	MaxHeaderListSize *uint32 `toml:"max_header_list_size,omitempty"`

	// GracefulShutdownTimeout is parsed by
	// GracefulShutdownTimeoutDuration. Server.Release does not read it
	// and does not wait for in-flight channels to drain.
	GracefulShutdownTimeout *string `toml:"graceful_shutdown_timeout,omitempty"`
}

// DefaultDefaults is the built-in fallback used when no Defaults are
// loaded from a file.
func DefaultDefaults() *Defaults {
	window := uint64(256 * 1024)
	maxStreams := uint32(100)
	maxHeaders := uint32(32 * 1024)
	shutdown := "30s"
	return &Defaults{
		LogLevel:                LogLevelInfo,
		InitialWindowSize:       &window,
		MaxConcurrentStreams:    &maxStreams,
		MaxHeaderListSize:       &maxHeaders,
		GracefulShutdownTimeout: &shutdown,
	}
}

// LoadDefaultsFile reads a TOML defaults file, applying DefaultDefaults
// for any field the file leaves unset.
func LoadDefaultsFile(path string) (*Defaults, error) {
	d := DefaultDefaults()
	if _, err := toml.DecodeFile(path, d); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}
	return d, nil
}

// GracefulShutdownTimeoutDuration parses GracefulShutdownTimeout,
// falling back to 30s if unset or malformed.
func (d *Defaults) GracefulShutdownTimeoutDuration() time.Duration {
	if d == nil || d.GracefulShutdownTimeout == nil {
		return 30 * time.Second
	}
	dur, err := time.ParseDuration(*d.GracefulShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return dur
}

// InitialWindowSizeOrDefault returns v if non-zero, else the default.
func (d *Defaults) InitialWindowSizeOrDefault(v uint64) uint64 {
	if v != 0 {
		return v
	}
	if d != nil && d.InitialWindowSize != nil {
		return *d.InitialWindowSize
	}
	return *DefaultDefaults().InitialWindowSize
}

// MaxConcurrentStreamsOrDefault returns v if non-zero, else the default.
func (d *Defaults) MaxConcurrentStreamsOrDefault(v uint32) uint32 {
	if v != 0 {
		return v
	}
	if d != nil && d.MaxConcurrentStreams != nil {
		return *d.MaxConcurrentStreams
	}
	return *DefaultDefaults().MaxConcurrentStreams
}
