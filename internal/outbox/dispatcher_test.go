package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dotcelery/internal/adapter/store/inmem"
	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// flakyBroker records published messages and fails the task IDs it is
// told to fail, decrementing the failure budget per attempt.
type flakyBroker struct {
	published []domain.TaskMessage
	failures  map[string]int
}

func newFlakyBroker() *flakyBroker {
	return &flakyBroker{failures: make(map[string]int)}
}

func (b *flakyBroker) Publish(_ domain.Context, msg domain.TaskMessage) error {
	if n := b.failures[msg.ID]; n > 0 {
		b.failures[msg.ID] = n - 1
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *flakyBroker) Consume(domain.Context, []string, int) (<-chan domain.BrokerMessage, error) {
	return nil, errors.New("not implemented")
}
func (b *flakyBroker) Ack(domain.Context, domain.BrokerMessage) error    { return nil }
func (b *flakyBroker) Reject(domain.Context, domain.BrokerMessage, bool) error {
	return nil
}
func (b *flakyBroker) Healthy(domain.Context) bool { return true }
func (b *flakyBroker) Close() error                { return nil }

func stage(t *testing.T, store *inmem.Outbox, names ...string) []domain.OutboxMessage {
	t.Helper()
	rows := make([]domain.OutboxMessage, 0, len(names))
	for _, name := range names {
		row, err := store.Add(context.Background(), domain.NewTaskMessage(name, nil, "application/json"))
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestDispatchPendingPublishesInSequenceOrder(t *testing.T) {
	t.Parallel()
	store := inmem.NewOutbox()
	broker := newFlakyBroker()
	stage(t, store, "first", "second", "third")

	d := New(store, broker, Options{}, nil)
	assert.Equal(t, 3, d.DispatchPending(context.Background()))

	require.Len(t, broker.published, 3)
	assert.Equal(t, "first", broker.published[0].Task)
	assert.Equal(t, "second", broker.published[1].Task)
	assert.Equal(t, "third", broker.published[2].Task)

	pending, err := store.Pending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatchFailureStopsBatchToPreserveOrder(t *testing.T) {
	t.Parallel()
	store := inmem.NewOutbox()
	broker := newFlakyBroker()
	rows := stage(t, store, "first", "second", "third")
	broker.failures[rows[1].Message.ID] = 1

	d := New(store, broker, Options{}, nil)
	assert.Equal(t, 1, d.DispatchPending(context.Background()), "stop at the failed row")
	require.Len(t, broker.published, 1)
	assert.Equal(t, "first", broker.published[0].Task)

	row, err := store.Get(context.Background(), rows[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, "broker unavailable")

	// Next cycle succeeds and the tail follows, still in order.
	assert.Equal(t, 2, d.DispatchPending(context.Background()))
	require.Len(t, broker.published, 3)
	assert.Equal(t, "second", broker.published[1].Task)
	assert.Equal(t, "third", broker.published[2].Task)
}

func TestDispatchParksRowAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	store := inmem.NewOutbox()
	broker := newFlakyBroker()
	rows := stage(t, store, "doomed", "behind")
	broker.failures[rows[0].Message.ID] = 10

	d := New(store, broker, Options{MaxAttempts: 3}, nil)
	for i := 0; i < 3; i++ {
		assert.Zero(t, d.DispatchPending(context.Background()))
	}

	row, err := store.Get(context.Background(), rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxFailed, row.Status)
	assert.Equal(t, 3, row.Attempts)

	// The parked row no longer blocks the queue behind it.
	assert.Equal(t, 1, d.DispatchPending(context.Background()))
	require.Len(t, broker.published, 1)
	assert.Equal(t, "behind", broker.published[0].Task)
}

func TestDispatchedRowsPurgedPastRetention(t *testing.T) {
	t.Parallel()
	store := inmem.NewOutbox()
	broker := newFlakyBroker()
	stage(t, store, "old")

	d := New(store, broker, Options{Retention: time.Hour}, nil)
	past := time.Now().Add(-2 * time.Hour)
	d.Now = func() time.Time { return past }
	require.Equal(t, 1, d.DispatchPending(context.Background()))

	d.Now = time.Now
	n, err := store.PurgeDispatched(context.Background(), d.Now().Add(-d.opts.Retention))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
