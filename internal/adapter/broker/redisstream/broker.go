// Package redisstream implements the broker on Redis Streams. Each queue
// is a stream consumed through a consumer group, which gives at-least-once
// delivery: entries stay in the consumer's pending list until acked, and
// stale pending entries from dead consumers are reclaimed on startup.
package redisstream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

const payloadField = "payload"

// Options tune the stream broker. Zero values fall back to defaults.
type Options struct {
	// StreamPrefix namespaces the per-queue stream keys.
	StreamPrefix string
	// Group names the consumer group; all workers share it.
	Group string
	// Consumer names this process inside the group.
	Consumer string
	// BlockTimeout bounds each blocking read so consumers notice
	// cancellation and re-check queue priority order.
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must sit unacked in another
	// consumer's pending list before startup reclaims it.
	ClaimMinIdle time.Duration
	// MaxStreamLen caps each stream's length (approximate trimming).
	// Zero means unbounded.
	MaxStreamLen int64
}

func (o Options) withDefaults() Options {
	if o.StreamPrefix == "" {
		o.StreamPrefix = "dotcelery:stream:"
	}
	if o.Group == "" {
		o.Group = "dotcelery"
	}
	if o.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		o.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = time.Minute
	}
	return o
}

// Broker implements domain.Broker over Redis Streams.
type Broker struct {
	rdb    *redis.Client
	opts   Options
	logger *slog.Logger
	closed atomic.Bool

	// inflight maps delivery tags to their subscription's prefetch tokens
	// so Ack and Reject can free the slot.
	inflight sync.Map
}

// New builds a broker over an existing client. The client stays owned by
// the caller; Close does not close it.
func New(rdb *redis.Client, opts Options, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{rdb: rdb, opts: opts.withDefaults(), logger: logger}
}

func (b *Broker) streamKey(queue string) string {
	return b.opts.StreamPrefix + queue
}

// Publish appends msg to its queue's stream.
func (b *Broker) Publish(ctx domain.Context, msg domain.TaskMessage) error {
	if b.closed.Load() {
		return fmt.Errorf("op=redisstream.Publish: %w", domain.ErrBrokerUnavailable)
	}
	q := msg.Queue
	if q == "" {
		q = domain.DefaultQueue
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=redisstream.Publish: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(q),
		Values: map[string]any{payloadField: payload},
	}
	if b.opts.MaxStreamLen > 0 {
		args.MaxLen = b.opts.MaxStreamLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("op=redisstream.Publish: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Consume opens a delivery stream over queues, drained in the order given.
// At most prefetch deliveries stay outstanding until acked or rejected.
// Entries left pending when a consumer dies are reclaimed by the next
// Consume call on the same group.
func (b *Broker) Consume(ctx domain.Context, queues []string, prefetch int) (<-chan domain.BrokerMessage, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=redisstream.Consume: %w: no queues", domain.ErrInvalidArgument)
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("op=redisstream.Consume: %w", domain.ErrBrokerUnavailable)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	for _, q := range queues {
		if err := b.ensureGroup(ctx, q); err != nil {
			return nil, err
		}
		b.reclaimStale(ctx, q)
	}

	out := make(chan domain.BrokerMessage)
	tokens := make(chan struct{}, prefetch)
	for i := 0; i < prefetch; i++ {
		tokens <- struct{}{}
	}

	go func() {
		defer close(out)
		// First drain entries already assigned to this consumer (our own
		// pending list plus anything reclaimStale moved over), then switch
		// to new deliveries.
		backlog := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-tokens:
			}

			bm, ok := b.nextDelivery(ctx, queues, &backlog)
			if !ok {
				return
			}
			b.inflight.Store(bm.DeliveryTag, tokens)
			select {
			case out <- bm:
			case <-ctx.Done():
				// The entry stays in our pending list and is reclaimed by
				// the next consumer generation.
				b.inflight.Delete(bm.DeliveryTag)
				return
			}
		}
	}()
	return out, nil
}

// nextDelivery returns the next decodable entry, preferring earlier queues.
func (b *Broker) nextDelivery(ctx domain.Context, queues []string, backlog *bool) (domain.BrokerMessage, bool) {
	for {
		if b.closed.Load() || ctx.Err() != nil {
			return domain.BrokerMessage{}, false
		}

		if *backlog {
			if d, ok := b.readBacklog(ctx, queues); ok {
				return d, true
			}
			*backlog = false
		}

		// Non-blocking pass in priority order.
		for _, q := range queues {
			if d, ok := b.readOne(ctx, q, -1); ok {
				return d, true
			}
		}

		// Nothing pending anywhere; block across all streams briefly so
		// the next pass re-checks priority order.
		streams := make([]string, 0, len(queues)*2)
		for _, q := range queues {
			streams = append(streams, b.streamKey(q))
		}
		for range queues {
			streams = append(streams, ">")
		}
		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  streams,
			Count:    1,
			Block:    b.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil || b.closed.Load() {
				return domain.BrokerMessage{}, false
			}
			b.logger.Warn("stream read failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return domain.BrokerMessage{}, false
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range res {
			queue := strings.TrimPrefix(stream.Stream, b.opts.StreamPrefix)
			for _, entry := range stream.Messages {
				if d, ok := b.decode(ctx, queue, entry); ok {
					return d, true
				}
			}
		}
	}
}

// readBacklog reads one entry already assigned to this consumer.
func (b *Broker) readBacklog(ctx domain.Context, queues []string) (domain.BrokerMessage, bool) {
	for _, q := range queues {
		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.streamKey(q), "0"},
			Count:    1,
			Block:    -1,
		}).Result()
		if err != nil || len(res) == 0 {
			continue
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				if d, ok := b.decode(ctx, q, entry); ok {
					return d, true
				}
			}
		}
	}
	return domain.BrokerMessage{}, false
}

// readOne reads one new entry from queue. block < 0 means do not block.
func (b *Broker) readOne(ctx domain.Context, queue string, block time.Duration) (domain.BrokerMessage, bool) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Group,
		Consumer: b.opts.Consumer,
		Streams:  []string{b.streamKey(queue), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil || len(res) == 0 {
		return domain.BrokerMessage{}, false
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			if d, ok := b.decode(ctx, queue, entry); ok {
				return d, true
			}
		}
	}
	return domain.BrokerMessage{}, false
}

// decode turns a stream entry into a delivery. Undecodable entries are
// acked away so they cannot wedge the group.
func (b *Broker) decode(ctx domain.Context, queue string, entry redis.XMessage) (domain.BrokerMessage, bool) {
	raw, _ := entry.Values[payloadField].(string)
	var msg domain.TaskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		b.logger.Warn("dropping undecodable stream entry",
			slog.String("stream", b.streamKey(queue)),
			slog.String("entry_id", entry.ID),
			slog.Any("error", err))
		_ = b.rdb.XAck(ctx, b.streamKey(queue), b.opts.Group, entry.ID).Err()
		return domain.BrokerMessage{}, false
	}
	return domain.BrokerMessage{
		Message:     msg,
		DeliveryTag: queue + "|" + entry.ID,
		Queue:       queue,
		ReceivedAt:  time.Now().UTC(),
	}, true
}

// Ack settles the delivery and removes the entry from its stream.
func (b *Broker) Ack(ctx domain.Context, delivery domain.BrokerMessage) error {
	queue, id, err := splitTag(delivery.DeliveryTag)
	if err != nil {
		return fmt.Errorf("op=redisstream.Ack: %w", err)
	}
	defer b.releaseSlot(delivery.DeliveryTag)
	stream := b.streamKey(queue)
	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, stream, b.opts.Group, id)
	pipe.XDel(ctx, stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisstream.Ack: %w", err)
	}
	return nil
}

// releaseSlot frees the delivery's prefetch token, if it is still tracked.
func (b *Broker) releaseSlot(tag string) {
	v, ok := b.inflight.LoadAndDelete(tag)
	if !ok {
		return
	}
	tokens := v.(chan struct{})
	select {
	case tokens <- struct{}{}:
	default:
	}
}

// Reject settles the delivery. With requeue the possibly rewritten message
// is appended as a fresh entry before the original is acked, so a crash
// between the two can only duplicate, never lose.
func (b *Broker) Reject(ctx domain.Context, delivery domain.BrokerMessage, requeue bool) error {
	queue, id, err := splitTag(delivery.DeliveryTag)
	if err != nil {
		return fmt.Errorf("op=redisstream.Reject: %w", err)
	}
	defer b.releaseSlot(delivery.DeliveryTag)
	if requeue {
		msg := delivery.Message
		if msg.Queue == "" {
			msg.Queue = queue
		}
		if err := b.Publish(ctx, msg); err != nil {
			return fmt.Errorf("op=redisstream.Reject: %w", err)
		}
	}
	stream := b.streamKey(queue)
	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, stream, b.opts.Group, id)
	pipe.XDel(ctx, stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisstream.Reject: %w", err)
	}
	return nil
}

// Healthy reports whether Redis answers and the broker is open.
func (b *Broker) Healthy(ctx domain.Context) bool {
	if b.closed.Load() {
		return false
	}
	return b.rdb.Ping(ctx).Err() == nil
}

// Close stops accepting traffic. The underlying client is left open for
// its owner.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Broker) ensureGroup(ctx domain.Context, queue string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.streamKey(queue), b.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=redisstream.Consume: create group: %w", err)
	}
	return nil
}

// reclaimStale moves entries stuck in dead consumers' pending lists over to
// this consumer. Best effort; failures only delay redelivery.
func (b *Broker) reclaimStale(ctx domain.Context, queue string) {
	start := "0-0"
	for {
		claimed, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.streamKey(queue),
			Group:    b.opts.Group,
			Consumer: b.opts.Consumer,
			MinIdle:  b.opts.ClaimMinIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			b.logger.Debug("pending reclaim unavailable",
				slog.String("queue", queue), slog.Any("error", err))
			return
		}
		if len(claimed) > 0 {
			b.logger.Info("reclaimed stale deliveries",
				slog.String("queue", queue), slog.Int("count", len(claimed)))
		}
		if next == "0-0" || len(claimed) == 0 {
			return
		}
		start = next
	}
}

func splitTag(tag string) (queue, id string, err error) {
	i := strings.LastIndex(tag, "|")
	if i < 0 {
		return "", "", fmt.Errorf("%w: malformed delivery tag %q", domain.ErrInvalidArgument, tag)
	}
	return tag[:i], tag[i+1:], nil
}
