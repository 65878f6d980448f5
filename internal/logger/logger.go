// Package logger provides the structured logging used throughout the
// connection manager: one leveled, field-annotated log line per event.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/crtweave/httpconnmgr/internal/config"
)

// LogFields carries structured context alongside a log line. Keys are
// free-form; common ones used by this module are "error" and "addr".
type LogFields map[string]interface{}

// Logger is a thin, leveled wrapper around zerolog.Logger. It exists so
// that call sites can write logger.LogFields{...} the way the rest of
// the codebase does, instead of chaining zerolog's fluent event builder
// at every call site.
type Logger struct {
	zl    zerolog.Logger
	level config.LogLevel
}

// New creates a Logger that writes to w at the given minimum level. A
// nil w defaults to os.Stderr.
func New(w io.Writer, level config.LogLevel) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return &Logger{
		zl:    zerolog.New(w).With().Timestamp().Logger(),
		level: level,
	}
}

// NewTestLogger returns a Logger suitable for test output, defaulting to
// debug level so assertions on log content see everything.
func NewTestLogger(w io.Writer) *Logger {
	return New(w, config.LogLevelDebug)
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, config.LogLevelError)
}

func (l *Logger) enabled(level config.LogLevel) bool {
	rank := func(lv config.LogLevel) int {
		switch lv {
		case config.LogLevelDebug:
			return 0
		case config.LogLevelInfo:
			return 1
		case config.LogLevelWarning:
			return 2
		case config.LogLevelError:
			return 3
		default:
			return 1
		}
	}
	return rank(level) >= rank(l.level)
}

func (l *Logger) log(level config.LogLevel, zlevel zerolog.Level, msg string, fields LogFields) {
	if l == nil || !l.enabled(level) {
		return
	}
	ev := l.zl.WithLevel(zlevel)
	for k, v := range fields {
		if err, ok := v.(error); ok && err != nil {
			ev = ev.Str(k, err.Error())
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.log(config.LogLevelDebug, zerolog.DebugLevel, msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields LogFields) {
	l.log(config.LogLevelInfo, zerolog.InfoLevel, msg, fields)
}

// Warn logs at warning level.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.log(config.LogLevelWarning, zerolog.WarnLevel, msg, fields)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields LogFields) {
	l.log(config.LogLevelError, zerolog.ErrorLevel, msg, fields)
}
