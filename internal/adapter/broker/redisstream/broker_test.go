package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

func newTestBroker(t *testing.T) (*miniredis.Miniredis, *Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := New(rdb, Options{Consumer: "test-consumer", BlockTimeout: 50 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return mr, b
}

func receive(t *testing.T, ch <-chan domain.BrokerMessage) domain.BrokerMessage {
	t.Helper()
	select {
	case bm, ok := <-ch:
		require.True(t, ok, "delivery stream closed early")
		return bm
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery arrived")
		return domain.BrokerMessage{}
	}
}

func TestPublishConsumeAck(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := domain.TaskMessage{ID: "task-1", Task: "math.add", Queue: "celery", Args: []byte(`{"a":2,"b":3}`)}
	require.NoError(t, b.Publish(ctx, msg))

	deliveries, err := b.Consume(ctx, []string{"celery"}, 1)
	require.NoError(t, err)

	bm := receive(t, deliveries)
	assert.Equal(t, "task-1", bm.Message.ID)
	assert.Equal(t, "math.add", bm.Message.Task)
	assert.Equal(t, "celery", bm.Queue)
	assert.NotEmpty(t, bm.DeliveryTag)

	require.NoError(t, b.Ack(ctx, bm))
}

func TestQueuesDrainInConfiguredOrder(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, domain.TaskMessage{ID: "low", Task: "t", Queue: "bulk"}))
	require.NoError(t, b.Publish(ctx, domain.TaskMessage{ID: "high", Task: "t", Queue: "critical"}))

	deliveries, err := b.Consume(ctx, []string{"critical", "bulk"}, 1)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assert.Equal(t, "high", first.Message.ID)
	require.NoError(t, b.Ack(ctx, first))

	second := receive(t, deliveries)
	assert.Equal(t, "low", second.Message.ID)
	require.NoError(t, b.Ack(ctx, second))
}

func TestRejectWithRequeueRedelivers(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, domain.TaskMessage{ID: "task-1", Task: "t", Queue: "celery"}))

	deliveries, err := b.Consume(ctx, []string{"celery"}, 1)
	require.NoError(t, err)

	bm := receive(t, deliveries)
	bm.Message.Retries = 1
	require.NoError(t, b.Reject(ctx, bm, true))

	again := receive(t, deliveries)
	assert.Equal(t, "task-1", again.Message.ID)
	assert.Equal(t, 1, again.Message.Retries, "requeue carries the rewritten message")
	require.NoError(t, b.Ack(ctx, again))
}

func TestRejectWithoutRequeueDrops(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, domain.TaskMessage{ID: "task-1", Task: "t", Queue: "celery"}))

	deliveries, err := b.Consume(ctx, []string{"celery"}, 1)
	require.NoError(t, err)

	bm := receive(t, deliveries)
	require.NoError(t, b.Reject(ctx, bm, false))

	select {
	case extra := <-deliveries:
		t.Fatalf("unexpected redelivery of %s", extra.Message.ID)
	case <-time.After(200 * time.Millisecond):
	}
	assert.EqualValues(t, 0, b.rdb.XLen(ctx, b.streamKey("celery")).Val())
}

func TestPrefetchBoundsOutstandingDeliveries(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, domain.TaskMessage{ID: id, Task: "t", Queue: "celery"}))
	}

	deliveries, err := b.Consume(ctx, []string{"celery"}, 1)
	require.NoError(t, err)

	first := receive(t, deliveries)
	select {
	case second := <-deliveries:
		t.Fatalf("second delivery %s arrived before the first was settled", second.Message.ID)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, b.Ack(ctx, first))
	second := receive(t, deliveries)
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
	require.NoError(t, b.Ack(ctx, second))
}

func TestPublishAfterCloseFails(t *testing.T) {
	t.Parallel()
	_, b := newTestBroker(t)
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), domain.TaskMessage{ID: "task-1", Task: "t"})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
	assert.False(t, b.Healthy(context.Background()))
}
