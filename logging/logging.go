// Package logging configures colored structured logging with tint.
//
// Usage:
//
//	logging.Setup(os.Stderr, cfg.Log.Level) // install as slog default
//	logger := logging.New(os.Stderr, "debug")
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Setup installs a tint handler writing to w at level as the slog default
// and returns it.
func Setup(w io.Writer, level string) *slog.Logger {
	logger := New(w, level)
	slog.SetDefault(logger)
	return logger
}

// New returns a tint logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.DateTime,
	}))
}

// ParseLevel maps debug, info, warn and error; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
