package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

func msgOn(queue, task string) domain.TaskMessage {
	m := domain.NewTaskMessage(task, nil, "application/json")
	m.Queue = queue
	return m
}

func receive(t *testing.T, ch <-chan domain.BrokerMessage) domain.BrokerMessage {
	t.Helper()
	select {
	case bm, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return bm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return domain.BrokerMessage{}
	}
}

func TestPublishConsumeAck(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("default", "t.one")))

	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	bm := receive(t, ch)
	assert.Equal(t, "t.one", bm.Message.Task)
	assert.NotEmpty(t, bm.DeliveryTag)
	assert.Equal(t, 1, b.UnackedLen())

	require.NoError(t, b.Ack(ctx, bm))
	assert.Equal(t, 0, b.UnackedLen())
	assert.Equal(t, 0, b.Len("default"))
}

func TestAckTwiceFails(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("default", "t")))
	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)
	bm := receive(t, ch)

	require.NoError(t, b.Ack(ctx, bm))
	err = b.Ack(ctx, bm)
	require.ErrorIs(t, err, domain.ErrNotFound)
	err = b.Reject(ctx, bm, true)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectRequeueRedelivers(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("default", "t.requeue")))
	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	first := receive(t, ch)
	require.NoError(t, b.Reject(ctx, first, true))

	second := receive(t, ch)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.NotEqual(t, first.DeliveryTag, second.DeliveryTag, "each delivery gets a fresh tag")
	require.NoError(t, b.Ack(ctx, second))
}

func TestRejectRequeueCarriesRewrittenMessage(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("default", "t.retry")))
	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	bm := receive(t, ch)
	bm.Message.Retries = 2
	require.NoError(t, b.Reject(ctx, bm, true))

	redelivered := receive(t, ch)
	assert.Equal(t, 2, redelivered.Message.Retries)
	require.NoError(t, b.Ack(ctx, redelivered))
}

func TestRejectWithoutRequeueDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("default", "t.drop")))
	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	bm := receive(t, ch)
	require.NoError(t, b.Reject(ctx, bm, false))

	assert.Equal(t, 0, b.Len("default"))
	assert.Equal(t, 0, b.UnackedLen())
	select {
	case extra := <-ch:
		t.Fatalf("unexpected redelivery: %+v", extra.Message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPrefetchBoundsOutstanding(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, msgOn("default", "t.bulk")))
	}
	ch, err := b.Consume(ctx, []string{"default"}, 2)
	require.NoError(t, err)

	first := receive(t, ch)
	second := receive(t, ch)

	// Third delivery must wait for an ack.
	select {
	case <-ch:
		t.Fatal("third delivery arrived before any ack; prefetch not enforced")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 2, b.UnackedLen())

	require.NoError(t, b.Ack(ctx, first))
	third := receive(t, ch)
	require.NoError(t, b.Ack(ctx, second))
	require.NoError(t, b.Ack(ctx, third))
}

func TestPriorityOrdering(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	low := msgOn("default", "t.low")
	low.Priority = 0
	mid := msgOn("default", "t.mid")
	mid.Priority = 5
	high := msgOn("default", "t.high")
	high.Priority = 9

	require.NoError(t, b.Publish(ctx, low))
	require.NoError(t, b.Publish(ctx, mid))
	require.NoError(t, b.Publish(ctx, high))

	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	for _, want := range []string{"t.high", "t.mid", "t.low"} {
		bm := receive(t, ch)
		assert.Equal(t, want, bm.Message.Task)
		require.NoError(t, b.Ack(ctx, bm))
	}
}

func TestMultiQueueConsumeOrder(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, msgOn("bulk", "t.bulk")))
	require.NoError(t, b.Publish(ctx, msgOn("critical", "t.critical")))

	// critical listed first wins even though bulk published earlier
	ch, err := b.Consume(ctx, []string{"critical", "bulk"}, 1)
	require.NoError(t, err)

	bm := receive(t, ch)
	assert.Equal(t, "t.critical", bm.Message.Task)
	require.NoError(t, b.Ack(ctx, bm))

	bm = receive(t, ch)
	assert.Equal(t, "t.bulk", bm.Message.Task)
	require.NoError(t, b.Ack(ctx, bm))
}

func TestConsumeCancelClosesStream(t *testing.T) {
	t.Parallel()
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Consume(ctx, []string{"default"}, 1)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "stream should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestCloseStopsPublishAndConsume(t *testing.T) {
	t.Parallel()
	b := New()
	ctx := context.Background()

	require.True(t, b.Healthy(ctx))
	require.NoError(t, b.Close())
	require.False(t, b.Healthy(ctx))

	err := b.Publish(ctx, msgOn("default", "t"))
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.Consume(ctx, []string{"default"}, 1)
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}
