// Package logger provides structured logging over log/slog: a JSON
// handler with service-level context, plus job ID propagation through
// context.Context.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey string

const jobIDKey ctxKey = "job_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// WithJobID stores a backfill job ID in the context for downstream
// propagation through the fetch/upsert/rebuild path.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobID extracts the job ID from context. Returns "" if not set.
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDKey).(string); ok {
		return v
	}
	return ""
}

// LogWithJob returns slog attributes including the job ID from context.
// Usage: slog.Info("msg", logger.LogWithJob(ctx)...)
func LogWithJob(ctx context.Context) []any {
	id := JobID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("job_id", id)}
}
