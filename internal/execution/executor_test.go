package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokerinmem "github.com/fairyhunter13/dotcelery/internal/adapter/broker/inmem"
	"github.com/fairyhunter13/dotcelery/internal/adapter/serializer"
	"github.com/fairyhunter13/dotcelery/internal/adapter/store/inmem"
	"github.com/fairyhunter13/dotcelery/internal/deadletter"
	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

type execFixture struct {
	registry    *task.Registry
	backend     *inmem.ResultBackend
	revocations *inmem.RevocationStore
	deadLetters *inmem.DeadLetters
	signals     *inmem.SignalBus
	exec        *Executor
}

func newFixture(t *testing.T, filters ...task.Filter) *execFixture {
	t.Helper()
	f := &execFixture{
		registry:    task.NewRegistry(serializer.JSON{}),
		backend:     inmem.NewResultBackend(),
		revocations: inmem.NewRevocationStore(time.Hour),
		deadLetters: inmem.NewDeadLetters(),
		signals:     inmem.NewSignalBus(),
	}
	f.exec = New(Config{
		Registry:    f.registry,
		Backend:     f.backend,
		Filters:     filters,
		Revocations: f.revocations,
		DeadLetters: deadletter.New(f.deadLetters, deadletter.Options{}, nil),
		Signals:     f.signals,
	})
	return f
}

func delivery(msg domain.TaskMessage) domain.BrokerMessage {
	return domain.BrokerMessage{
		Message:     msg,
		DeliveryTag: "tag-" + msg.ID,
		Queue:       msg.Queue,
		ReceivedAt:  time.Now().UTC(),
	}
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func TestExecuteHappyPath(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, task.RegisterFunc(f.registry, "math.add",
		func(_ context.Context, _ *task.Context, in addArgs) (int, error) {
			return in.A + in.B, nil
		}))

	args, _ := serializer.JSON{}.Marshal(addArgs{A: 2, B: 3})
	msg := domain.NewTaskMessage("math.add", args, "application/json")

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeSuccess, out.Kind)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, res.State)
	assert.JSONEq(t, "5", string(res.Result))
}

func TestExecuteUnknownTaskRejectsAndDeadLetters(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	msg := domain.NewTaskMessage("nope", nil, "application/json")

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeRejected, out.Kind)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.State)

	recs, err := f.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ReasonUnknownTask, recs[0].Reason)
}

func TestExecuteExpiredMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		t.Fatal("handler must not run for expired messages")
		return nil, nil
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	past := time.Now().Add(-time.Minute)
	msg.Expires = &past

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeRejected, out.Kind)
	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, res.State)

	// Expiry is terminal Rejected only; parking it needs an explicit
	// reason opt-in.
	recs, err := f.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExecuteRevokedBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ran := false
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		ran = true
		return nil, nil
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	require.NoError(t, f.revocations.Revoke(context.Background(), msg.ID, domain.RevokeOptions{}))

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeRevoked, out.Kind)
	assert.False(t, ran, "revoked handler body must not run")

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, res.State)
}

func TestExecuteRetryRequestHonorsCountdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(_ context.Context, tc *task.Context) ([]byte, error) {
		return nil, tc.Retry(time.Second, errors.New("not ready"))
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.MaxRetries = 3

	out := f.exec.Execute(context.Background(), delivery(msg))
	require.Equal(t, OutcomeRetry, out.Kind)
	assert.Equal(t, time.Second, out.RetryCountdown)
	assert.False(t, out.DoNotIncrementRetries)

	state, err := f.backend.GetState(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetry, state)
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(_ context.Context, tc *task.Context) ([]byte, error) {
		return nil, tc.Retry(0, errors.New("still not ready"))
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.MaxRetries = 2
	msg.Retries = 2

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeFailure, out.Kind)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, res.State)

	recs, err := f.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ReasonMaxRetriesExceeded, recs[0].Reason)
}

func TestExecuteHandlerFailureRetriesWithinBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	msg.MaxRetries = 3
	msg.Retries = 1

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeRetry, out.Kind)
	assert.Zero(t, out.RetryCountdown)

	retry := out.RetryMessage(msg, time.Now())
	assert.Equal(t, 2, retry.Retries)
	assert.Equal(t, msg.ID, retry.ID, "task ID stays stable across retries")
}

func TestExecuteDeserializationFailureIsTerminal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, task.RegisterFunc(f.registry, "t",
		func(_ context.Context, _ *task.Context, in addArgs) (int, error) { return 0, nil }))

	msg := domain.NewTaskMessage("t", []byte("{not json"), "application/json")
	msg.MaxRetries = 5 // budget must not matter

	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeFailure, out.Kind)

	recs, err := f.deadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ReasonDeserializationFailed, recs[0].Reason)
}

// stateSpyBackend records every transient state transition so tests can
// assert on ordering, not just the final state.
type stateSpyBackend struct {
	*inmem.ResultBackend
	mu     sync.Mutex
	states []domain.TaskState
}

func (b *stateSpyBackend) SetState(ctx context.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	b.mu.Lock()
	b.states = append(b.states, state)
	b.mu.Unlock()
	return b.ResultBackend.SetState(ctx, taskID, state, meta)
}

func (b *stateSpyBackend) seen(state domain.TaskState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.states {
		if s == state {
			return true
		}
	}
	return false
}

func TestExecuteBadArgsNeverMarkStarted(t *testing.T) {
	t.Parallel()
	spy := &stateSpyBackend{ResultBackend: inmem.NewResultBackend()}
	registry := task.NewRegistry(serializer.JSON{})
	require.NoError(t, task.RegisterFunc(registry, "t",
		func(_ context.Context, _ *task.Context, in addArgs) (int, error) {
			t.Fatal("handler must not run on bad args")
			return 0, nil
		}))
	exec := New(Config{
		Registry:    registry,
		Backend:     spy,
		DeadLetters: deadletter.New(inmem.NewDeadLetters(), deadletter.Options{}, nil),
	})

	msg := domain.NewTaskMessage("t", []byte("{not json"), "application/json")
	out := exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeFailure, out.Kind)

	assert.False(t, spy.seen(domain.StateStarted),
		"arguments deserialize before the task counts as started")
	res, err := spy.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, res.State)
}

func TestExecuteShutdownCancellationRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("t", func(ctx context.Context, _ *task.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-started
		cancel(domain.ErrShutdown)
	}()

	out := f.exec.Execute(ctx, delivery(msg))
	assert.Equal(t, OutcomeRequeue, out.Kind)

	state, err := f.backend.GetState(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequeued, state)
}

func TestExecuteRevocationCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("t", func(ctx context.Context, _ *task.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		<-started
		cancel(domain.ErrRevoked)
	}()

	out := f.exec.Execute(ctx, delivery(msg))
	assert.Equal(t, OutcomeRevoked, out.Kind)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, res.State)
}

func TestExecuteHandlerPanicIsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		panic("kaboom")
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeFailure, out.Kind)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailure, res.State)
	require.NotNil(t, res.Exception)
	assert.Contains(t, res.Exception.Message, "kaboom")
}

func TestExecuteSkipResultFromFilter(t *testing.T) {
	t.Parallel()
	skip := &resultSkippingFilter{}
	f := newFixture(t, skip)
	ran := false
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		ran = true
		return nil, nil
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.False(t, ran)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), res.Result)
}

type resultSkippingFilter struct{}

func (*resultSkippingFilter) Order() int { return 0 }
func (*resultSkippingFilter) OnExecuting(_ context.Context, tc *task.Context) error {
	tc.SetSkipExecution(&domain.TaskResult{State: domain.StateSuccess, Result: []byte("cached")})
	return nil
}
func (*resultSkippingFilter) OnExecuted(context.Context, *task.Context) error { return nil }

func TestExecuteExceptionFilterHandlesFailure(t *testing.T) {
	t.Parallel()
	h := &handlingFilter{}
	f := newFixture(t, h)
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		return nil, errors.New("boom")
	}))

	msg := domain.NewTaskMessage("t", nil, "application/json")
	out := f.exec.Execute(context.Background(), delivery(msg))
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.True(t, h.saw)

	res, err := f.backend.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuccess, res.State)
}

type handlingFilter struct{ saw bool }

func (*handlingFilter) Order() int                                          { return 0 }
func (*handlingFilter) OnExecuting(context.Context, *task.Context) error    { return nil }
func (*handlingFilter) OnExecuted(context.Context, *task.Context) error     { return nil }
func (h *handlingFilter) OnException(context.Context, *task.Context, error) bool {
	h.saw = true
	return true
}

func TestExecutePublishesTerminalSignals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.registry.Register("t", func(context.Context, *task.Context) ([]byte, error) {
		return []byte(`"ok"`), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs, err := f.signals.Subscribe(ctx)
	require.NoError(t, err)

	msg := domain.NewTaskMessage("t", nil, "application/json")
	out := f.exec.Execute(context.Background(), delivery(msg))
	require.Equal(t, OutcomeSuccess, out.Kind)

	select {
	case sig := <-sigs:
		assert.Equal(t, msg.ID, sig.TaskID)
		assert.Equal(t, domain.StateSuccess, sig.State)
	case <-time.After(time.Second):
		t.Fatal("no signal published")
	}
}

// Keeps the broker import exercised alongside the executor: requeue
// outcomes round-trip through reject-requeue and come back for another
// attempt.
func TestRequeueOutcomeRedelivers(t *testing.T) {
	t.Parallel()
	b := brokerinmem.New()
	defer func() { _ = b.Close() }()

	msg := domain.NewTaskMessage("t", nil, "application/json")
	require.NoError(t, b.Publish(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := b.Consume(ctx, []string{domain.DefaultQueue}, 1)
	require.NoError(t, err)

	first := <-deliveries
	require.NoError(t, b.Reject(context.Background(), first, true))

	select {
	case second := <-deliveries:
		assert.Equal(t, msg.ID, second.Message.ID)
		require.NoError(t, b.Ack(context.Background(), second))
	case <-time.After(time.Second):
		t.Fatal("rejected delivery was not redelivered")
	}
}
