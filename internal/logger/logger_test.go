package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crtweave/httpconnmgr/internal/config"
)

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.LogLevelWarning)

	l.Debug("should not appear", nil)
	l.Info("should not appear either", nil)
	require.Empty(t, buf.String())

	l.Warn("heads up", LogFields{"channel": "c1"})
	require.Contains(t, buf.String(), "heads up")
	require.Contains(t, buf.String(), "c1")
}

func TestLoggerErrorFieldFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, config.LogLevelDebug)

	l.Error("boom", LogFields{"error": assertErr{"disk full"}})
	line := buf.String()
	require.True(t, strings.Contains(line, "disk full"))
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestNopDiscards(t *testing.T) {
	l := Nop()
	require.NotPanics(t, func() {
		l.Error("whatever", LogFields{"x": 1})
	})
}
