// Package kafka implements the broker on Kafka-compatible clusters
// (Kafka, Redpanda) through franz-go. Each queue maps to one topic. A
// consumer group spreads partitions across workers; acking marks the
// record for commit, and requeueing republishes before the original
// offset is marked so a crash can only duplicate, never lose.
package kafka

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Options configure the Kafka broker.
type Options struct {
	// Brokers are the seed broker addresses.
	Brokers []string
	// GroupID names the consumer group all workers share.
	GroupID string
	// TopicPrefix namespaces the per-queue topics.
	TopicPrefix string
	// Partitions and ReplicationFactor apply when a queue's topic is
	// created on first use.
	Partitions        int32
	ReplicationFactor int16
	// FetchMaxWait bounds each poll so consumers notice cancellation.
	FetchMaxWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.GroupID == "" {
		o.GroupID = "dotcelery"
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = "dotcelery."
	}
	if o.Partitions <= 0 {
		o.Partitions = 8
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = 1
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = 2 * time.Second
	}
	return o
}

type inflightRecord struct {
	rec    *kgo.Record
	tokens chan struct{}
}

// Broker implements domain.Broker over a Kafka cluster.
type Broker struct {
	opts   Options
	logger *slog.Logger

	producer *kgo.Client
	topics   sync.Map // topic -> struct{}, created topics

	mu       sync.Mutex
	consumer *kgo.Client

	inflight sync.Map // delivery tag -> inflightRecord
	closed   atomic.Bool
}

// New connects a producer to the cluster. The consumer side is opened
// lazily by Consume so publish-only processes (client, beat) carry no
// group membership.
func New(opts Options, logger *slog.Logger) (*Broker, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.New: %w: no seed brokers", domain.ErrInvalidArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(opts.Brokers...),
		kgo.WithHooks(tracingHooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.New: %w", err)
	}
	return &Broker{opts: opts, logger: logger, producer: producer}, nil
}

func tracingHooks() []kgo.Hook {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	return kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()
}

// Publish produces msg to its queue's topic and waits for the broker ack.
func (b *Broker) Publish(ctx domain.Context, msg domain.TaskMessage) error {
	if b.closed.Load() {
		return fmt.Errorf("op=kafka.Publish: %w", domain.ErrBrokerUnavailable)
	}
	rec, err := recordFor(b.opts.TopicPrefix, msg)
	if err != nil {
		return err
	}
	if err := b.ensureTopic(ctx, rec.Topic); err != nil {
		b.logger.Warn("topic creation failed, relying on auto-create",
			slog.String("topic", rec.Topic), slog.Any("error", err))
	}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.Publish: %w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Consume joins the consumer group over the queues' topics. Queue order
// cannot be honored here: Kafka assigns partitions, not priorities, so
// deliveries arrive in partition order across all subscribed topics. At
// most prefetch deliveries stay outstanding until acked or rejected.
func (b *Broker) Consume(ctx domain.Context, queues []string, prefetch int) (<-chan domain.BrokerMessage, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=kafka.Consume: %w: no queues", domain.ErrInvalidArgument)
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("op=kafka.Consume: %w", domain.ErrBrokerUnavailable)
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	topics := make([]string, len(queues))
	for i, q := range queues {
		topics[i] = topicFor(b.opts.TopicPrefix, q)
		if err := b.ensureTopic(ctx, topics[i]); err != nil {
			b.logger.Warn("topic creation failed, relying on auto-create",
				slog.String("topic", topics[i]), slog.Any("error", err))
		}
	}

	b.mu.Lock()
	if b.consumer != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("op=kafka.Consume: %w: already consuming", domain.ErrConflict)
	}
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.opts.Brokers...),
		kgo.ConsumerGroup(b.opts.GroupID),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(tracingHooks()...),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.FetchMaxWait(b.opts.FetchMaxWait),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("op=kafka.Consume: %w", err)
	}
	b.consumer = consumer
	b.mu.Unlock()

	out := make(chan domain.BrokerMessage)
	tokens := make(chan struct{}, prefetch)
	for i := 0; i < prefetch; i++ {
		tokens <- struct{}{}
	}

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil || b.closed.Load() {
				return
			}
			fetches := consumer.PollRecords(ctx, prefetch)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(topic string, partition int32, err error) {
				b.logger.Warn("fetch error",
					slog.String("topic", topic),
					slog.Int("partition", int(partition)),
					slog.Any("error", err))
			})

			records := fetches.Records()
			for _, rec := range records {
				msg, err := messageFrom(rec)
				if err != nil {
					// Poison at the transport level; commit past it.
					b.logger.Warn("dropping undecodable record",
						slog.String("topic", rec.Topic),
						slog.Int64("offset", rec.Offset),
						slog.Any("error", err))
					consumer.MarkCommitRecords(rec)
					continue
				}

				select {
				case <-ctx.Done():
					return
				case <-tokens:
				}

				tag := deliveryTag(rec)
				b.inflight.Store(tag, inflightRecord{rec: rec, tokens: tokens})
				bm := domain.BrokerMessage{
					Message:     msg,
					DeliveryTag: tag,
					Queue:       queueFrom(b.opts.TopicPrefix, rec.Topic),
					ReceivedAt:  time.Now().UTC(),
				}
				select {
				case out <- bm:
				case <-ctx.Done():
					b.inflight.Delete(tag)
					return
				}
			}
		}
	}()
	return out, nil
}

// Ack marks the record's offset for commit.
func (b *Broker) Ack(_ domain.Context, delivery domain.BrokerMessage) error {
	v, ok := b.inflight.LoadAndDelete(delivery.DeliveryTag)
	if !ok {
		return fmt.Errorf("op=kafka.Ack: %w: tag %s", domain.ErrNotFound, delivery.DeliveryTag)
	}
	inflight := v.(inflightRecord)
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()
	if consumer != nil {
		consumer.MarkCommitRecords(inflight.rec)
	}
	releaseToken(inflight.tokens)
	return nil
}

// Reject settles the delivery. With requeue the possibly rewritten message
// is produced as a fresh record before the original offset is marked.
func (b *Broker) Reject(ctx domain.Context, delivery domain.BrokerMessage, requeue bool) error {
	v, ok := b.inflight.LoadAndDelete(delivery.DeliveryTag)
	if !ok {
		return fmt.Errorf("op=kafka.Reject: %w: tag %s", domain.ErrNotFound, delivery.DeliveryTag)
	}
	inflight := v.(inflightRecord)
	defer releaseToken(inflight.tokens)

	if requeue {
		msg := delivery.Message
		if msg.Queue == "" {
			msg.Queue = delivery.Queue
		}
		if err := b.Publish(ctx, msg); err != nil {
			// Leave the offset unmarked so the group redelivers the
			// original after a rebalance.
			b.inflight.Store(delivery.DeliveryTag, inflight)
			return fmt.Errorf("op=kafka.Reject: %w", err)
		}
	}
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()
	if consumer != nil {
		consumer.MarkCommitRecords(inflight.rec)
	}
	return nil
}

// Healthy reports whether the cluster answers.
func (b *Broker) Healthy(ctx domain.Context) bool {
	if b.closed.Load() {
		return false
	}
	return b.producer.Ping(ctx) == nil
}

// Close flushes and shuts down both clients.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.producer.Close()
	b.mu.Lock()
	consumer := b.consumer
	b.consumer = nil
	b.mu.Unlock()
	if consumer != nil {
		consumer.Close()
	}
	return nil
}

// ensureTopic creates the topic on first use; already-exists is fine.
func (b *Broker) ensureTopic(ctx domain.Context, topic string) error {
	if _, done := b.topics.Load(topic); done {
		return nil
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30_000
	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = b.opts.Partitions
	topicReq.ReplicationFactor = b.opts.ReplicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := b.producer.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=kafka.ensureTopic: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=kafka.ensureTopic: unexpected response type %T", resp)
	}
	for _, tr := range created.Topics {
		// Error code 36 is TOPIC_ALREADY_EXISTS.
		if tr.ErrorCode != 0 && tr.ErrorCode != 36 {
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("op=kafka.ensureTopic: %s (code %d)", msg, tr.ErrorCode)
		}
	}
	b.topics.Store(topic, struct{}{})
	return nil
}

func releaseToken(tokens chan struct{}) {
	select {
	case tokens <- struct{}{}:
	default:
	}
}
