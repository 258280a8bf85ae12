// Package logging is a thin wrapper over pkg/logger that wires the context
// extractors this service cares about (job id, task id, request id) and
// optionally fans WARNING-and-above records out to Sentry.
package logging

import (
	"context"
	"log/slog"

	"github.com/capsync/syncagent/pkg/logger"
)

type ctxKey int

const (
	ctxKeyJobID ctxKey = iota
	ctxKeyTaskID
	ctxKeyRequestID
)

// WithJobID returns a context carrying the River job id for log extraction.
func WithJobID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKeyJobID, id)
}

// WithTaskID returns a context carrying the Source task id for log extraction.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyTaskID, id)
}

// WithRequestID returns a context carrying an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func extractJobID(ctx context.Context) (slog.Attr, bool) {
	v, ok := ctx.Value(ctxKeyJobID).(int64)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.Int64("job_id", v), true
}

func extractTaskID(ctx context.Context) (slog.Attr, bool) {
	v, ok := ctx.Value(ctxKeyTaskID).(string)
	if !ok || v == "" {
		return slog.Attr{}, false
	}
	return slog.String("task_id", v), true
}

func extractRequestID(ctx context.Context) (slog.Attr, bool) {
	v, ok := ctx.Value(ctxKeyRequestID).(string)
	if !ok || v == "" {
		return slog.Attr{}, false
	}
	return slog.String("request_id", v), true
}

// New builds the process logger. When dsn is empty, logs go to stdout
// only; otherwise WARNING-and-above records also fan out to Sentry, the
// operator-facing error channel (end users have none).
func New(dsn, environment string) *slog.Logger {
	if dsn == "" {
		return logger.New(extractJobID, extractTaskID, extractRequestID)
	}
	return logger.NewWithSentry(logger.SentryConfig{
		DSN:         dsn,
		Environment: environment,
		MinLevel:    slog.LevelWarn,
	}, extractJobID, extractTaskID, extractRequestID)
}
