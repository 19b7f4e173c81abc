package filters

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

const propOverlapKey = "overlap_lock_key"

// MetaOverlapSkipped marks synthesized results for deliveries skipped
// because an equivalent task was already running.
const MetaOverlapSkipped = "overlap_skipped"

// PreventOverlapping enforces single-flight execution per lock key. The
// key is the task name, optionally refined by the policy's OverlapKey
// function (e.g. a user ID), joined as "name:userKey". A duplicate is
// treated as a no-op: it completes successfully without running.
type PreventOverlapping struct {
	tracker domain.ExecutionTracker
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewPreventOverlapping builds the filter.
func NewPreventOverlapping(tracker domain.ExecutionTracker, lockTTL time.Duration, logger *slog.Logger) *PreventOverlapping {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PreventOverlapping{tracker: tracker, lockTTL: lockTTL, logger: logger}
}

// Order implements task.Filter.
func (*PreventOverlapping) Order() int { return OrderPreventOverlapping }

// LockKey derives the single-flight key for tc per its policy.
func LockKey(tc *task.Context) string {
	p := tc.Policy()
	if p.OverlapKey != nil {
		if user := p.OverlapKey(tc); user != "" {
			return tc.TaskName() + ":" + user
		}
	}
	return tc.TaskName()
}

// OnExecuting claims the execution slot or skips the delivery with a
// synthesized success. A retry of the task already holding the slot
// passes through (idempotent re-entry on the same task ID).
func (f *PreventOverlapping) OnExecuting(ctx context.Context, tc *task.Context) error {
	if !tc.Policy().PreventOverlapping {
		return nil
	}
	key := LockKey(tc)
	ok, err := f.tracker.TryStart(ctx, key, tc.TaskID(), f.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		tc.Logger().Info("overlapping execution skipped", slog.String("lock_key", key))
		tc.SetSkipExecution(&domain.TaskResult{
			State:    domain.StateSuccess,
			Metadata: map[string]string{MetaOverlapSkipped: "true"},
		})
		return nil
	}
	tc.Set(propOverlapKey, key)
	return nil
}

// OnExecuted frees the slot claimed in OnExecuting.
func (f *PreventOverlapping) OnExecuted(ctx context.Context, tc *task.Context) error {
	key := tc.GetString(propOverlapKey)
	if key == "" {
		return nil
	}
	if err := f.tracker.Finish(ctx, key, tc.TaskID()); err != nil {
		f.logger.Error("overlap tracker finish failed",
			slog.String("lock_key", key), slog.Any("error", err))
	}
	return nil
}
