// Package deadletter parks terminally failed messages so operators can
// inspect and replay them.
package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
)

// DefaultReasons returns the failure classes parked when Options.Reasons is
// empty. Expired messages are deliberately absent: they are already terminal
// Rejected and only land here when an operator opts in.
func DefaultReasons() []domain.DeadLetterReason {
	return []domain.DeadLetterReason{
		domain.ReasonMaxRetriesExceeded,
		domain.ReasonUnknownTask,
		domain.ReasonDeserializationFailed,
		domain.ReasonUnprocessable,
	}
}

// Options filter what gets parked.
type Options struct {
	// Reasons restricts which failure classes are parked. Empty means
	// DefaultReasons.
	Reasons []domain.DeadLetterReason
	// IncludeStackTrace keeps exception stacks on the stored record.
	IncludeStackTrace bool
	// Retention bounds how long records are kept; the purge loop enforces it.
	Retention time.Duration
}

// Handler classifies and persists dead letters. A nil store degrades to
// log-and-drop so the worker never depends on the store being configured.
type Handler struct {
	// Now is the clock; replace in tests for deterministic timestamps.
	Now func() time.Time

	store  domain.DeadLetterStore
	opts   Options
	logger *slog.Logger
}

// New builds a handler over store. store may be nil.
func New(store domain.DeadLetterStore, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Now: time.Now, store: store, opts: opts, logger: logger}
}

// Handle parks msg under reason. Records get a fresh ID so replays never
// collide with the original task ID. Store failures are logged, not
// propagated: dead-lettering is a best-effort side channel and must not
// change the delivery outcome.
func (h *Handler) Handle(ctx context.Context, msg domain.TaskMessage, reason domain.DeadLetterReason, cause error) {
	lg := h.logger.With(
		slog.String("task_id", msg.ID),
		slog.String("task", msg.Task),
		slog.String("reason", string(reason)))

	if !h.wants(reason) {
		return
	}
	observability.ObserveDeadLetter(reason)
	if h.store == nil {
		lg.Warn("dead letter dropped: no store configured", slog.Any("error", cause))
		return
	}

	exc := domain.ExceptionFromError(cause)
	if exc != nil && !h.opts.IncludeStackTrace {
		exc.StackTrace = ""
	}
	// UUID rather than ULID: the record must insert into every store
	// backend, including UUID-typed database columns.
	rec := domain.DeadLetterRecord{
		ID:        uuid.NewString(),
		Reason:    reason,
		Message:   msg,
		Exception: exc,
		CreatedAt: h.Now().UTC(),
	}
	if err := h.store.Add(ctx, rec); err != nil {
		lg.Error("dead letter store failed", slog.Any("error", err))
		return
	}
	lg.Warn("message dead lettered", slog.String("record_id", rec.ID))
}

// RunPurge deletes expired records on interval until ctx ends. No-op when
// retention is unset or the store is missing.
func (h *Handler) RunPurge(ctx context.Context, interval time.Duration) {
	if h.store == nil || h.opts.Retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := h.Now().Add(-h.opts.Retention)
			n, err := h.store.Purge(ctx, cutoff)
			if err != nil {
				h.logger.Error("dead letter purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				h.logger.Info("dead letters purged", slog.Int64("count", n))
			}
		}
	}
}

func (h *Handler) wants(reason domain.DeadLetterReason) bool {
	reasons := h.opts.Reasons
	if len(reasons) == 0 {
		reasons = DefaultReasons()
	}
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}
