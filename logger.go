package veclake

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with veclake-specific helpers so that the
// subsystems log with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is nil, a
// text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs at the
// given minimum level.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	}))}
}

// WithIndex adds index identification fields to the logger.
func (l *Logger) WithIndex(table, name string) *Logger {
	return &Logger{Logger: l.Logger.With("table", table, "index", name)}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, table string, queries, k, fragments int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"table", table,
			"queries", queries,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"table", table,
			"queries", queries,
			"k", k,
			"fragments", fragments,
		)
	}
}

// LogBuild logs a partition build trigger.
func (l *Logger) LogBuild(ctx context.Context, table, name string, partitions int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index build failed",
			"table", table,
			"index", name,
			"partitions", partitions,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index build completed",
			"table", table,
			"index", name,
			"partitions", partitions,
		)
	}
}
