package filters

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

// MetaDeduplicated marks synthesized results for deliveries skipped
// because the task ID was already processed.
const MetaDeduplicated = "deduplicated"

// InboxDedup skips deliveries whose task ID was already processed and
// marks IDs processed after a successful run. Marking happens after
// execution, so a crash in between yields a reprocess: the dedup is
// at-most-once best effort, not exactly-once.
type InboxDedup struct {
	store     domain.InboxStore
	retention time.Duration
	logger    *slog.Logger
}

// NewInboxDedup builds the filter. retention bounds how long processed
// marks are kept.
func NewInboxDedup(store domain.InboxStore, retention time.Duration, logger *slog.Logger) *InboxDedup {
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxDedup{store: store, retention: retention, logger: logger}
}

// Order implements task.Filter.
func (*InboxDedup) Order() int { return OrderInboxDedup }

// OnExecuting skips execution with a synthesized success when the task ID
// was already processed.
func (f *InboxDedup) OnExecuting(ctx context.Context, tc *task.Context) error {
	seen, err := f.store.Seen(ctx, tc.TaskID())
	if err != nil {
		// Fail open: a broken dedup store must not stop the queue, the
		// worst case is a duplicate execution, which at-least-once
		// delivery permits anyway.
		f.logger.Error("inbox lookup failed", slog.String("task_id", tc.TaskID()), slog.Any("error", err))
		return nil
	}
	if !seen {
		return nil
	}
	tc.SetSkipExecution(&domain.TaskResult{
		State:    domain.StateSuccess,
		Metadata: map[string]string{MetaDeduplicated: "true"},
	})
	return nil
}

// OnExecuted marks the ID processed when execution actually succeeded.
func (f *InboxDedup) OnExecuted(ctx context.Context, tc *task.Context) error {
	if tc.Err() != nil {
		return nil
	}
	if _, skipped := tc.SkipRequested(); skipped {
		return nil
	}
	if _, requeued := tc.RequeueRequested(); requeued {
		return nil
	}
	if err := f.store.MarkProcessed(ctx, tc.TaskID(), f.retention); err != nil {
		f.logger.Error("inbox mark failed", slog.String("task_id", tc.TaskID()), slog.Any("error", err))
	}
	return nil
}
