package segdag

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/segdag/core"
)

// Logger wraps slog.Logger with segdag-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogInsert logs an insert operation.
func (l *Logger) LogInsert(ctx context.Context, name core.VertexName, id core.Id, err error) {
	if err != nil {
		l.ErrorContext(ctx, "insert failed",
			"name", name.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "insert completed",
			"name", name.String(),
			"id", id.String(),
		)
	}
}

// LogQuery logs a dag query.
func (l *Logger) LogQuery(ctx context.Context, op string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"op", op,
			"duration", duration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"op", op,
			"duration", duration,
		)
	}
}

// LogFlush logs a flush to the index log.
func (l *Logger) LogFlush(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed", "error", err)
	} else {
		l.DebugContext(ctx, "flush completed")
	}
}

// LogFetch logs a remote fetch.
func (l *Logger) LogFetch(ctx context.Context, key string, duration time.Duration, err error) {
	if err != nil {
		l.WarnContext(ctx, "remote fetch failed",
			"request", key,
			"duration", duration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remote fetch completed",
			"request", key,
			"duration", duration,
		)
	}
}

// LogRecovery logs the result of open-time log recovery.
func (l *Logger) LogRecovery(truncated int64) {
	if truncated > 0 {
		l.Warn("discarded corrupt log tail", "bytes", truncated)
	}
}
