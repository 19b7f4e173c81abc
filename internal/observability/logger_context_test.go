package observability

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestLoggerFromContext_Fallback(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got == nil {
		t.Fatal("expected default logger, got nil")
	}
	//nolint:staticcheck // nil context is the case under test
	if got := LoggerFromContext(nil); got == nil {
		t.Fatal("expected default logger for nil context")
	}
}

func TestContextWithLogger_RoundTrip(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := ContextWithLogger(context.Background(), lg)
	if got := LoggerFromContext(ctx); got != lg {
		t.Fatal("expected the attached logger back")
	}

	// nil logger leaves the context untouched
	ctx2 := ContextWithLogger(ctx, nil)
	if got := LoggerFromContext(ctx2); got != lg {
		t.Fatal("nil logger must not replace the stored one")
	}
}

func TestContextWithTaskID_RoundTrip(t *testing.T) {
	ctx := ContextWithTaskID(context.Background(), "task-123")
	if got := TaskIDFromContext(ctx); got != "task-123" {
		t.Fatalf("expected task-123, got %q", got)
	}
	if got := TaskIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	// empty id is not stored
	ctx = ContextWithTaskID(context.Background(), "")
	if got := TaskIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
}
