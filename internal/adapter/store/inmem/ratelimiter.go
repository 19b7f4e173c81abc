package inmem

import (
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// SlidingWindowLimiter admits up to Limit executions per Window, per key,
// over a true sliding window of acquisition timestamps.
type SlidingWindowLimiter struct {
	// Now is the clock; replace in tests to drive the window.
	Now func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewSlidingWindowLimiter builds an empty limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{Now: time.Now, buckets: make(map[string][]time.Time)}
}

// TryAcquire admits and records one execution, or reports how long until
// the oldest admission leaves the window. RetryAfter is never below 1ms so
// callers always wait a nonzero amount.
func (l *SlidingWindowLimiter) TryAcquire(_ domain.Context, key string, policy domain.RateLimitPolicy) (domain.RateLimitDecision, error) {
	// A non-positive limit admits nothing.
	if policy.Limit <= 0 {
		retryAfter := policy.Window
		if retryAfter < time.Millisecond {
			retryAfter = time.Millisecond
		}
		return domain.RateLimitDecision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	now := l.Now()
	cutoff := now.Add(-policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[key]
	live := bucket[:0]
	for _, ts := range bucket {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) < policy.Limit {
		live = append(live, now)
		l.buckets[key] = live
		return domain.RateLimitDecision{
			Allowed:   true,
			Remaining: policy.Limit - len(live),
		}, nil
	}

	l.buckets[key] = live
	retryAfter := live[0].Add(policy.Window).Sub(now)
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}
	return domain.RateLimitDecision{Allowed: false, RetryAfter: retryAfter}, nil
}
