package filters

import (
	"context"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

const propMetricsStarted = "metrics_started_at"

// QueueMetrics observes executions. It runs outermost (lowest order) so
// its duration covers the whole pipeline, and its executed phase runs
// last in the unwind, after every other filter finished.
type QueueMetrics struct {
	// Now is the clock; replace in tests for deterministic durations.
	Now func() time.Time

	recorder domain.MetricsRecorder
}

// NewQueueMetrics builds the filter.
func NewQueueMetrics(recorder domain.MetricsRecorder) *QueueMetrics {
	return &QueueMetrics{Now: time.Now, recorder: recorder}
}

// Order implements task.Filter.
func (*QueueMetrics) Order() int { return OrderQueueMetrics }

// OnExecuting records the start.
func (f *QueueMetrics) OnExecuting(_ context.Context, tc *task.Context) error {
	tc.Set(propMetricsStarted, f.Now())
	f.recorder.TaskStarted(tc.Queue(), tc.TaskName())
	return nil
}

// OnExecuted records the completion with the state the execution reached.
func (f *QueueMetrics) OnExecuted(_ context.Context, tc *task.Context) error {
	started, _ := tc.Get(propMetricsStarted)
	var d time.Duration
	if at, ok := started.(time.Time); ok {
		d = f.Now().Sub(at)
	}
	f.recorder.TaskCompleted(tc.Queue(), tc.TaskName(), completionState(tc), d)
	return nil
}

// completionState approximates the final state from the context. The
// executor owns the authoritative classification; metrics only need the
// coarse split between success, retry-class errors, and requeues.
func completionState(tc *task.Context) domain.TaskState {
	if _, requeued := tc.RequeueRequested(); requeued {
		return domain.StateRequeued
	}
	if err := tc.Err(); err != nil {
		if _, retry := domain.Retryable(err); retry {
			return domain.StateRetry
		}
		return domain.StateFailure
	}
	return domain.StateSuccess
}
