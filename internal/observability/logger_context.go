package observability

import (
	"context"
	"log/slog"
)

type loggerContextKey struct{}

type taskIDContextKey struct{}

// ContextWithLogger returns ctx carrying lg. The executor attaches the
// delivery-scoped logger here so anything running under the delivery picks
// up its task_id, task, and queue attributes.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the delivery-scoped logger, falling back to
// slog.Default outside of an execution.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithTaskID returns ctx carrying the executing task's ID.
func ContextWithTaskID(ctx context.Context, taskID string) context.Context {
	if ctx == nil || taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDContextKey{}, taskID)
}

// TaskIDFromContext returns the executing task's ID, or "" when the context
// is not tied to a delivery. Stores and brokers use it to stamp their own
// log lines.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(taskIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
