package filters

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

const propPartitionAcquired = "partition_lock_acquired"

// PartitionedExecution serializes deliveries sharing a partition key:
// across all workers at most one task per key executes at a time. A busy
// partition requeues the delivery after a delay instead of blocking an
// executor slot.
type PartitionedExecution struct {
	locks        domain.PartitionLockStore
	lockTTL      time.Duration
	requeueDelay time.Duration
	logger       *slog.Logger
}

// NewPartitionedExecution builds the filter. lockTTL bounds how long a
// crashed holder can wedge a partition.
func NewPartitionedExecution(locks domain.PartitionLockStore, lockTTL, requeueDelay time.Duration, logger *slog.Logger) *PartitionedExecution {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PartitionedExecution{locks: locks, lockTTL: lockTTL, requeueDelay: requeueDelay, logger: logger}
}

// Order implements task.Filter.
func (*PartitionedExecution) Order() int { return OrderPartitionedExec }

// OnExecuting acquires the partition lock, or requeues the delivery when
// another task holds it. Re-acquisition by the same task ID (a redelivery)
// passes through.
func (f *PartitionedExecution) OnExecuting(ctx context.Context, tc *task.Context) error {
	key := tc.PartitionKey()
	if key == "" || !tc.Policy().Partitioned {
		return nil
	}
	ok, err := f.locks.TryAcquire(ctx, key, tc.TaskID(), f.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		tc.Logger().Info("partition busy, requeueing",
			slog.String("partition_key", key),
			slog.Duration("delay", f.requeueDelay))
		tc.SetRequeue(f.requeueDelay)
		return nil
	}
	tc.Set(propPartitionAcquired, true)
	return nil
}

// OnExecuted releases the lock taken in OnExecuting. Running in the LIFO
// unwind guarantees the release happens on every path that acquired,
// including pre-phase aborts and handler failures.
func (f *PartitionedExecution) OnExecuted(ctx context.Context, tc *task.Context) error {
	if v, ok := tc.Get(propPartitionAcquired); !ok || v != true {
		return nil
	}
	released, err := f.locks.Release(ctx, tc.PartitionKey(), tc.TaskID())
	if err != nil {
		return err
	}
	if !released {
		// Expired underneath us; the TTL already freed the partition.
		f.logger.Warn("partition lock expired before release",
			slog.String("partition_key", tc.PartitionKey()),
			slog.String("task_id", tc.TaskID()))
	}
	return nil
}
