package inmem

import (
	"sync"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// signalBufferSize bounds each subscriber's backlog. A slow subscriber
// loses signals rather than stalling workers.
const signalBufferSize = 64

// SignalBus fans task state signals out to in-process subscribers.
type SignalBus struct {
	mu   sync.Mutex
	subs map[int]chan domain.TaskSignal
	next int
}

// NewSignalBus builds an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[int]chan domain.TaskSignal)}
}

// Publish delivers sig to every subscriber, best effort.
func (b *SignalBus) Publish(_ domain.Context, sig domain.TaskSignal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

// Subscribe returns a stream of signals published after the call. The
// channel closes when ctx is cancelled.
func (b *SignalBus) Subscribe(ctx domain.Context) (<-chan domain.TaskSignal, error) {
	ch := make(chan domain.TaskSignal, signalBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
