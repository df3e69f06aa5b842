package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Log is the process-wide logger. Packages call the helpers below rather
// than touching Log directly so a nil logger (tests) stays safe.
var Log *slog.Logger

// Init initializes the global logger. Level may be overridden with
// CHATSYNC_LOG_LEVEL; sink with CHATSYNC_LOG_SINK (e.g. "file:/path/to/log").
func Init(level string) {
	if env := strings.TrimSpace(os.Getenv("CHATSYNC_LOG_LEVEL")); env != "" {
		level = env
	}
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	out := os.Stderr
	if sink := os.Getenv("CHATSYNC_LOG_SINK"); strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640); err == nil {
			out = f
		}
	}
	Log = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
}

// Debug logs with slog-style key/value pairs.
func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

// Info logs with slog-style key/value pairs.
func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

// Warn logs with slog-style key/value pairs.
func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

// Error logs with slog-style key/value pairs.
func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}
