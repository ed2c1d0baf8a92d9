package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetOutputFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, slog.LevelWarn)
	Info("hidden", "k", 1)
	Warn("shown", "user", "u1")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "user=u1")
}

func TestInitFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dm.log")
	require.NoError(t, Init("info", "file:"+path))
	Info("session_registered", "user", "alice")
	Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "session_registered")
}

func TestInitUnknownSink(t *testing.T) {
	assert.Error(t, Init("info", "syslog"))
}
