// Package inmem provides the in-process broker used by tests and
// single-process deployments. Delivery semantics mirror the networked
// brokers: at-least-once, per-delivery tags, prefetch bounding, and
// requeue on reject.
package inmem

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

type delivery struct {
	msg    domain.TaskMessage
	queue  string
	tag    string
	tokens chan struct{} // the consuming subscription's prefetch tokens
}

// Broker is an in-process queue set. The zero value is not usable; call New.
type Broker struct {
	mu      sync.Mutex
	wake    chan struct{}
	queues  map[string][]*delivery
	unacked map[string]*delivery
	closed  bool
}

// New builds an empty broker.
func New() *Broker {
	return &Broker{
		wake:    make(chan struct{}),
		queues:  make(map[string][]*delivery),
		unacked: make(map[string]*delivery),
	}
}

// Publish enqueues msg on msg.Queue. Higher Priority messages are delivered
// first; equal priorities keep FIFO order.
func (b *Broker) Publish(_ domain.Context, msg domain.TaskMessage) error {
	q := msg.Queue
	if q == "" {
		q = domain.DefaultQueue
	}
	d := &delivery{msg: msg, queue: q}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("op=inmem.Publish: %w", domain.ErrBrokerUnavailable)
	}
	b.queues[q] = insertByPriority(b.queues[q], d, false)
	b.wakeAllLocked()
	return nil
}

// Consume opens a delivery stream over queues. The stream closes when ctx
// is cancelled or the broker is closed. At most prefetch deliveries stay
// outstanding until they are acked or rejected.
func (b *Broker) Consume(ctx domain.Context, queues []string, prefetch int) (<-chan domain.BrokerMessage, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("op=inmem.Consume: %w: no queues", domain.ErrInvalidArgument)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("op=inmem.Consume: %w", domain.ErrBrokerUnavailable)
	}
	b.mu.Unlock()

	out := make(chan domain.BrokerMessage)
	tokens := make(chan struct{}, prefetch)
	for i := 0; i < prefetch; i++ {
		tokens <- struct{}{}
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tokens:
			}

			d := b.pop(ctx, queues)
			if d == nil {
				return
			}
			d.tag = uuid.NewString()
			d.tokens = tokens

			b.mu.Lock()
			b.unacked[d.tag] = d
			b.mu.Unlock()

			bm := domain.BrokerMessage{
				Message:     d.msg,
				DeliveryTag: d.tag,
				Queue:       d.queue,
				ReceivedAt:  time.Now().UTC(),
			}
			select {
			case out <- bm:
			case <-ctx.Done():
				// consumer went away before taking the message
				b.mu.Lock()
				delete(b.unacked, d.tag)
				if !b.closed {
					b.queues[d.queue] = insertByPriority(b.queues[d.queue], d, true)
				}
				b.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

// Ack settles the delivery and frees its prefetch slot.
func (b *Broker) Ack(_ domain.Context, delivery domain.BrokerMessage) error {
	b.mu.Lock()
	d, ok := b.unacked[delivery.DeliveryTag]
	if ok {
		delete(b.unacked, delivery.DeliveryTag)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=inmem.Ack: %w: tag %s", domain.ErrNotFound, delivery.DeliveryTag)
	}
	releaseToken(d)
	return nil
}

// Reject settles the delivery; with requeue the message goes back to the
// head of its priority class for prompt redelivery.
func (b *Broker) Reject(_ domain.Context, delivery domain.BrokerMessage, requeue bool) error {
	b.mu.Lock()
	d, ok := b.unacked[delivery.DeliveryTag]
	if ok {
		delete(b.unacked, delivery.DeliveryTag)
		if requeue && !b.closed {
			// Redeliver the possibly rewritten message (retry counters).
			d.msg = delivery.Message
			b.queues[d.queue] = insertByPriority(b.queues[d.queue], d, true)
			b.wakeAllLocked()
		}
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=inmem.Reject: %w: tag %s", domain.ErrNotFound, delivery.DeliveryTag)
	}
	releaseToken(d)
	return nil
}

// Healthy reports whether the broker accepts traffic.
func (b *Broker) Healthy(_ domain.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close stops all consumers. Pending and unacked messages are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wakeAllLocked()
	return nil
}

// Len reports how many messages wait on queue. Intended for tests and the
// health endpoint.
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// UnackedLen reports how many deliveries are outstanding across consumers.
func (b *Broker) UnackedLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// pop blocks until a message is available on one of queues, ctx is done, or
// the broker closes. Queues are drained in the order given.
func (b *Broker) pop(ctx domain.Context, queues []string) *delivery {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		for _, q := range queues {
			if pending := b.queues[q]; len(pending) > 0 {
				d := pending[0]
				b.queues[q] = pending[1:]
				b.mu.Unlock()
				return d
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

func (b *Broker) wakeAllLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func releaseToken(d *delivery) {
	if d.tokens == nil {
		return
	}
	select {
	case d.tokens <- struct{}{}:
	default:
	}
}

// insertByPriority places d behind (publish) or ahead of (requeue) existing
// entries of equal priority, keeping higher priorities first either way.
func insertByPriority(pending []*delivery, d *delivery, front bool) []*delivery {
	i := 0
	for ; i < len(pending); i++ {
		p := pending[i].msg.Priority
		if p < d.msg.Priority || (front && p == d.msg.Priority) {
			break
		}
	}
	pending = append(pending, nil)
	copy(pending[i+1:], pending[i:])
	pending[i] = d
	return pending
}
