// Package logger builds the process-wide structured logger shared by the
// loom binaries.
package logger

import (
	"log/slog"
	"os"
)

// New returns a text-handler slog logger on stderr. Debug mode lowers the
// level to include per-event crypto tracing.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(l)
	return l
}
