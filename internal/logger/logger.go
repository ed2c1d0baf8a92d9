package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Log is the process logger. It discards output until Init is called.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	sinkMu   sync.Mutex
	sinkFile *os.File
)

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the global logger. sink is empty/"stdout", "stderr" or "file:/path".
func Init(level, sink string) error {
	w, err := openSink(sink)
	if err != nil {
		return err
	}
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(Log)
	return nil
}

// SetOutput points the logger at w; used by tests.
func SetOutput(w io.Writer, level slog.Level) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openSink(sink string) (io.Writer, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	switch {
	case sink == "" || sink == "stdout":
		return os.Stdout, nil
	case sink == "stderr":
		return os.Stderr, nil
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		if sinkFile != nil {
			sinkFile.Close()
		}
		sinkFile = f
		return f, nil
	default:
		return nil, fmt.Errorf("unknown log sink %q", sink)
	}
}

// Sync closes a file sink if one is open.
func Sync() {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sinkFile != nil {
		sinkFile.Sync()
		sinkFile.Close()
		sinkFile = nil
	}
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) { Log.Error(msg, args...) }
