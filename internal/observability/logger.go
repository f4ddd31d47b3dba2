// Package observability provides structured logging and metrics collection
// for the simulation orchestration engine.
//
// Logger wraps log/slog with pipeline-specific context (the market slug).
// MetricsCollector records counters and timing summaries across pipelines.
package observability

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Logger wraps slog with a persistent pipeline (market slug) field.
type Logger struct {
	mu       sync.RWMutex
	inner    *slog.Logger
	pipeline string
}

// NewLogger creates a structured logger scoped to a pipeline (market slug).
// Output defaults to os.Stderr if w is nil.
func NewLogger(pipelineSlug string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return &Logger{
		inner:    slog.New(handler),
		pipeline: pipelineSlug,
	}
}

// NewLoggerWithHandler creates a logger with a custom slog handler.
func NewLoggerWithHandler(pipelineSlug string, h slog.Handler) *Logger {
	return &Logger{
		inner:    slog.New(h),
		pipeline: pipelineSlug,
	}
}

// With returns a derived Logger with an additional persistent field.
func (l *Logger) With(key string, value any) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		inner:    l.inner.With(slog.Any(key, value)),
		pipeline: l.pipeline,
	}
}

func (l *Logger) attrs(args []any) []any {
	return append([]any{slog.String("pipeline", l.pipeline)}, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.attrs(args)...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, l.attrs(args)...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, l.attrs(args)...) }

// Error logs at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, l.attrs(args)...) }

// Stage logs transition into a named pipeline stage (e.g. "research",
// "generate", "execute", "calibrate", "montecarlo", "assemble").
func (l *Logger) Stage(stage string, args ...any) {
	allArgs := append([]any{slog.String("pipeline", l.pipeline), slog.String("stage", stage)}, args...)
	l.inner.Info("stage", allArgs...)
}

// RepairAttempt logs one iteration of the execute/repair loop.
func (l *Logger) RepairAttempt(attempt int, classification string, elapsedMs int64) {
	l.inner.Info("repair_attempt",
		slog.String("pipeline", l.pipeline),
		slog.Int("attempt", attempt),
		slog.String("classification", classification),
		slog.Int64("elapsed_ms", elapsedMs),
	)
}

// SandboxEvent logs an acquire/release/exec lifecycle event.
func (l *Logger) SandboxEvent(event, sandboxID string, args ...any) {
	allArgs := append([]any{
		slog.String("pipeline", l.pipeline),
		slog.String("event", event),
		slog.String("sandbox_id", sandboxID),
	}, args...)
	l.inner.Info("sandbox", allArgs...)
}

// PipelineSlug returns the market slug associated with this logger.
func (l *Logger) PipelineSlug() string {
	return l.pipeline
}
