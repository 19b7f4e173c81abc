package filters

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

// RateLimit defers deliveries exceeding the task's sliding-window policy.
// The deferral is a retry with DoNotIncrementRetries so back-pressure
// never burns the retry budget.
type RateLimit struct {
	limiter domain.RateLimiter
}

// NewRateLimit builds the filter.
func NewRateLimit(limiter domain.RateLimiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// Order implements task.Filter.
func (*RateLimit) Order() int { return OrderRateLimit }

// OnExecuting admits the delivery or returns a RetryRequest carrying the
// limiter's retryAfter.
func (f *RateLimit) OnExecuting(ctx context.Context, tc *task.Context) error {
	policy := tc.Policy().RateLimit
	if policy == nil {
		return nil
	}
	dec, err := f.limiter.TryAcquire(ctx, tc.TaskName(), *policy)
	if err != nil {
		return fmt.Errorf("op=filters.RateLimit: %w", err)
	}
	if dec.Allowed {
		return nil
	}
	observability.ObserveRateLimited(tc.TaskName())
	return &domain.RetryRequest{
		Countdown:             dec.RetryAfter,
		DoNotIncrementRetries: true,
		Cause:                 domain.ErrRateLimited,
	}
}

// OnExecuted implements task.Filter; admissions need no cleanup, the
// window slides on its own.
func (*RateLimit) OnExecuted(context.Context, *task.Context) error { return nil }
