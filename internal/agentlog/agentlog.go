// Package agentlog provides context-carried debug logging for the agent,
// the way internal/debug does for the teacher CLI: a boolean threaded
// through context.Context, and a slog handler swapped on it.
package agentlog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const debugKey contextKey = "agentlog_debug_enabled"

// WithDebug returns a context with debug-level logging enabled or disabled.
func WithDebug(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, debugKey, enabled)
}

// IsEnabled reports whether the context carries debug mode.
func IsEnabled(ctx context.Context) bool {
	if v, ok := ctx.Value(debugKey).(bool); ok {
		return v
	}
	return false
}

// Setup configures the process-wide default slog.Logger.
//
// debugEnabled=true surfaces serial echo: lines and dropped/unmatched Cable
// frames at Debug level; otherwise those are silent and only reconnects,
// resends, and printer errors are logged (Warn and above).
func Setup(debugEnabled bool) *slog.Logger {
	level := slog.LevelWarn
	if debugEnabled {
		level = slog.LevelDebug
	}
	logger := New(os.Stderr, level)
	slog.SetDefault(logger)
	return logger
}

// New builds a text-handler logger writing to w at the given level, without
// touching the process-wide default. Used by components that want their own
// logger (e.g. a printer driver tagging every line with its unique ID).
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
