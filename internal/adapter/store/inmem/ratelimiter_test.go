package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	t.Parallel()
	l := NewSlidingWindowLimiter()
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 3, Window: time.Minute}

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		d, err := l.TryAcquire(ctx, "emails.send", policy)
		require.NoError(t, err)
		require.True(t, d.Allowed, "admission %d should pass", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.TryAcquire(ctx, "emails.send", policy)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter, "retry after = oldest + window - now")
}

func TestSlidingWindowSlides(t *testing.T) {
	t.Parallel()
	l := NewSlidingWindowLimiter()
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 2, Window: time.Minute}

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	d, _ := l.TryAcquire(ctx, "k", policy)
	require.True(t, d.Allowed)

	now = now.Add(30 * time.Second)
	d, _ = l.TryAcquire(ctx, "k", policy)
	require.True(t, d.Allowed)

	now = now.Add(10 * time.Second) // window holds both admissions
	d, err := l.TryAcquire(ctx, "k", policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	now = now.Add(d.RetryAfter) // the oldest admission leaves the window
	d, err = l.TryAcquire(ctx, "k", policy)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindowRetryAfterFloor(t *testing.T) {
	t.Parallel()
	l := NewSlidingWindowLimiter()
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: 10 * time.Millisecond}

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	d, _ := l.TryAcquire(ctx, "k", policy)
	require.True(t, d.Allowed)

	// deny at the very edge of the window: computed retry would be ~0
	now = now.Add(10*time.Millisecond - time.Microsecond)
	d, err := l.TryAcquire(ctx, "k", policy)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Millisecond)
}

func TestSlidingWindowNonPositiveLimitDenies(t *testing.T) {
	t.Parallel()
	l := NewSlidingWindowLimiter()
	ctx := context.Background()

	d, err := l.TryAcquire(ctx, "k", domain.RateLimitPolicy{Limit: 0, Window: time.Second})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	d, err = l.TryAcquire(ctx, "k", domain.RateLimitPolicy{Limit: -1})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Millisecond)
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := NewSlidingWindowLimiter()
	ctx := context.Background()
	policy := domain.RateLimitPolicy{Limit: 1, Window: time.Minute}

	d, _ := l.TryAcquire(ctx, "task-a", policy)
	require.True(t, d.Allowed)
	d, _ = l.TryAcquire(ctx, "task-b", policy)
	assert.True(t, d.Allowed, "keys must not share windows")
}
