package filters

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dotcelery/internal/adapter/store/inmem"
	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

func newCtx(t *testing.T, msg domain.TaskMessage, policy task.Policy) *task.Context {
	t.Helper()
	reg := &task.Registration{Name: msg.Task, Policy: policy}
	return task.NewContext(msg, reg, inmem.NewResultBackend(), nil)
}

func TestSecurityRejectsNewerSchema(t *testing.T) {
	t.Parallel()
	f := NewSecurity(SecurityPolicy{})
	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.SchemaVersion = domain.MessageSchemaVersion + 1

	err := f.OnExecuting(context.Background(), newCtx(t, msg, task.Policy{}))
	require.ErrorIs(t, err, domain.ErrSecurityViolation)
	assert.Contains(t, err.Error(), "schema version")
}

func TestSecurityRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	f := NewSecurity(SecurityPolicy{MaxPayloadBytes: 8})
	msg := domain.NewTaskMessage("t", []byte(strings.Repeat("x", 9)), "application/json")

	err := f.OnExecuting(context.Background(), newCtx(t, msg, task.Policy{}))
	require.ErrorIs(t, err, domain.ErrSecurityViolation)
}

func TestSecurityEnforcesAllowlist(t *testing.T) {
	t.Parallel()
	f := NewSecurity(SecurityPolicy{AllowedTasks: []string{"good"}})

	good := domain.NewTaskMessage("good", nil, "application/json")
	require.NoError(t, f.OnExecuting(context.Background(), newCtx(t, good, task.Policy{})))

	bad := domain.NewTaskMessage("bad", nil, "application/json")
	err := f.OnExecuting(context.Background(), newCtx(t, bad, task.Policy{}))
	require.ErrorIs(t, err, domain.ErrSecurityViolation)
}

func TestSecurityRequiresTenant(t *testing.T) {
	t.Parallel()
	f := NewSecurity(SecurityPolicy{RequireTenant: true})

	msg := domain.NewTaskMessage("t", nil, "application/json")
	err := f.OnExecuting(context.Background(), newCtx(t, msg, task.Policy{}))
	require.ErrorIs(t, err, domain.ErrSecurityViolation)

	msg.TenantID = "acme"
	require.NoError(t, f.OnExecuting(context.Background(), newCtx(t, msg, task.Policy{})))
}

func TestTenantContextExposesProperty(t *testing.T) {
	t.Parallel()
	f := NewTenantContext()
	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.TenantID = "acme"
	tc := newCtx(t, msg, task.Policy{})

	require.NoError(t, f.OnExecuting(context.Background(), tc))
	assert.Equal(t, "acme", tc.GetString(PropTenantID))
}

func TestInboxDedupSkipsSeenTask(t *testing.T) {
	t.Parallel()
	store := inmem.NewInbox()
	f := NewInboxDedup(store, time.Hour, nil)
	msg := domain.NewTaskMessage("t", nil, "application/json")

	// First pass: not seen, executes and marks.
	tc := newCtx(t, msg, task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
	_, skipped := tc.SkipRequested()
	assert.False(t, skipped)
	require.NoError(t, f.OnExecuted(context.Background(), tc))

	// Redelivery: seen, skipped with a deduplicated success.
	tc2 := newCtx(t, msg, task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc2))
	res, skipped := tc2.SkipRequested()
	require.True(t, skipped)
	assert.Equal(t, domain.StateSuccess, res.State)
	assert.Equal(t, "true", res.Metadata[MetaDeduplicated])
}

func TestInboxDedupDoesNotMarkFailures(t *testing.T) {
	t.Parallel()
	store := inmem.NewInbox()
	f := NewInboxDedup(store, time.Hour, nil)
	msg := domain.NewTaskMessage("t", nil, "application/json")

	tc := newCtx(t, msg, task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
	tc.SetError(assert.AnError)
	require.NoError(t, f.OnExecuted(context.Background(), tc))

	seen, err := store.Seen(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.False(t, seen, "failed executions must stay retryable")
}

func TestPartitionedExecutionAcquiresAndReleases(t *testing.T) {
	t.Parallel()
	locks := inmem.NewPartitionLocks()
	f := NewPartitionedExecution(locks, time.Minute, 5*time.Second, nil)

	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.PartitionKey = "acct-7"
	tc := newCtx(t, msg, task.Policy{Partitioned: true})

	require.NoError(t, f.OnExecuting(context.Background(), tc))
	locked, err := locks.IsLocked(context.Background(), "acct-7")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, f.OnExecuted(context.Background(), tc))
	locked, err = locks.IsLocked(context.Background(), "acct-7")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestPartitionedExecutionRequeuesWhenBusy(t *testing.T) {
	t.Parallel()
	locks := inmem.NewPartitionLocks()
	f := NewPartitionedExecution(locks, time.Minute, 5*time.Second, nil)

	holder := domain.NewTaskMessage("t", nil, "application/json")
	holder.PartitionKey = "acct-7"
	htc := newCtx(t, holder, task.Policy{Partitioned: true})
	require.NoError(t, f.OnExecuting(context.Background(), htc))

	contender := domain.NewTaskMessage("t", nil, "application/json")
	contender.PartitionKey = "acct-7"
	ctc := newCtx(t, contender, task.Policy{Partitioned: true})
	require.NoError(t, f.OnExecuting(context.Background(), ctc))

	delay, requeued := ctc.RequeueRequested()
	require.True(t, requeued)
	assert.Equal(t, 5*time.Second, delay)

	// The loser's executed phase must not release the holder's lock.
	require.NoError(t, f.OnExecuted(context.Background(), ctc))
	h, err := locks.Holder(context.Background(), "acct-7")
	require.NoError(t, err)
	assert.Equal(t, holder.ID, h)
}

func TestPartitionedExecutionIgnoresUnkeyedMessages(t *testing.T) {
	t.Parallel()
	locks := inmem.NewPartitionLocks()
	f := NewPartitionedExecution(locks, time.Minute, time.Second, nil)

	msg := domain.NewTaskMessage("t", nil, "application/json")
	tc := newCtx(t, msg, task.Policy{Partitioned: true})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
	_, requeued := tc.RequeueRequested()
	assert.False(t, requeued)
}

func TestPreventOverlappingSkipsDuplicate(t *testing.T) {
	t.Parallel()
	tracker := inmem.NewTracker()
	f := NewPreventOverlapping(tracker, time.Minute, nil)
	policy := task.Policy{PreventOverlapping: true}

	first := newCtx(t, domain.NewTaskMessage("report.build", nil, "application/json"), policy)
	require.NoError(t, f.OnExecuting(context.Background(), first))
	_, skipped := first.SkipRequested()
	require.False(t, skipped)

	dup := newCtx(t, domain.NewTaskMessage("report.build", nil, "application/json"), policy)
	require.NoError(t, f.OnExecuting(context.Background(), dup))
	res, skipped := dup.SkipRequested()
	require.True(t, skipped)
	assert.Equal(t, domain.StateSuccess, res.State)
	assert.Equal(t, "true", res.Metadata[MetaOverlapSkipped])

	// After the first finishes, a new delivery may start.
	require.NoError(t, f.OnExecuted(context.Background(), first))
	next := newCtx(t, domain.NewTaskMessage("report.build", nil, "application/json"), policy)
	require.NoError(t, f.OnExecuting(context.Background(), next))
	_, skipped = next.SkipRequested()
	assert.False(t, skipped)
}

func TestPreventOverlappingUserKey(t *testing.T) {
	t.Parallel()
	tracker := inmem.NewTracker()
	f := NewPreventOverlapping(tracker, time.Minute, nil)
	policy := task.Policy{
		PreventOverlapping: true,
		OverlapKey:         func(tc *task.Context) string { return tc.Header("user") },
	}

	mk := func(user string) *task.Context {
		msg := domain.NewTaskMessage("sync.user", nil, "application/json").WithHeader("user", user)
		return newCtx(t, msg, policy)
	}

	a := mk("alice")
	require.NoError(t, f.OnExecuting(context.Background(), a))
	_, skipped := a.SkipRequested()
	require.False(t, skipped)

	// Different user key runs concurrently.
	b := mk("bob")
	require.NoError(t, f.OnExecuting(context.Background(), b))
	_, skipped = b.SkipRequested()
	assert.False(t, skipped)

	// Same user key is a duplicate.
	a2 := mk("alice")
	require.NoError(t, f.OnExecuting(context.Background(), a2))
	_, skipped = a2.SkipRequested()
	assert.True(t, skipped)
}

func TestRateLimitDefersOverLimit(t *testing.T) {
	t.Parallel()
	limiter := inmem.NewSlidingWindowLimiter()
	f := NewRateLimit(limiter)
	policy := task.Policy{RateLimit: &domain.RateLimitPolicy{Limit: 2, Window: 10 * time.Second}}

	for i := 0; i < 2; i++ {
		tc := newCtx(t, domain.NewTaskMessage("notify.send", nil, "application/json"), policy)
		require.NoError(t, f.OnExecuting(context.Background(), tc))
	}

	tc := newCtx(t, domain.NewTaskMessage("notify.send", nil, "application/json"), policy)
	err := f.OnExecuting(context.Background(), tc)
	rr, ok := domain.Retryable(err)
	require.True(t, ok, "over-limit must surface as a retry request")
	assert.True(t, rr.DoNotIncrementRetries)
	assert.Greater(t, rr.Countdown, time.Duration(0))
	assert.ErrorIs(t, rr.Cause, domain.ErrRateLimited)
}

func TestRateLimitNoPolicyPassesThrough(t *testing.T) {
	t.Parallel()
	f := NewRateLimit(inmem.NewSlidingWindowLimiter())
	tc := newCtx(t, domain.NewTaskMessage("t", nil, "application/json"), task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
}

type recordingMetrics struct {
	started   int
	completed int
	lastState domain.TaskState
	lastDur   time.Duration
}

func (m *recordingMetrics) TaskPublished(queue, task string) {}
func (m *recordingMetrics) TaskStarted(queue, task string)   { m.started++ }
func (m *recordingMetrics) TaskCompleted(queue, task string, state domain.TaskState, d time.Duration) {
	m.completed++
	m.lastState = state
	m.lastDur = d
}

func TestQueueMetricsObservesDuration(t *testing.T) {
	t.Parallel()
	rec := &recordingMetrics{}
	f := NewQueueMetrics(rec)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f.Now = func() time.Time { return now }

	tc := newCtx(t, domain.NewTaskMessage("t", nil, "application/json"), task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
	now = now.Add(250 * time.Millisecond)
	require.NoError(t, f.OnExecuted(context.Background(), tc))

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, domain.StateSuccess, rec.lastState)
	assert.Equal(t, 250*time.Millisecond, rec.lastDur)
}

func TestQueueMetricsClassifiesFailures(t *testing.T) {
	t.Parallel()
	rec := &recordingMetrics{}
	f := NewQueueMetrics(rec)

	tc := newCtx(t, domain.NewTaskMessage("t", nil, "application/json"), task.Policy{})
	require.NoError(t, f.OnExecuting(context.Background(), tc))
	tc.SetError(assert.AnError)
	require.NoError(t, f.OnExecuted(context.Background(), tc))
	assert.Equal(t, domain.StateFailure, rec.lastState)
}
