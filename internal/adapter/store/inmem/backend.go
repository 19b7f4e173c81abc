// Package inmem provides in-process implementations of every store port.
// They back the embedded deployment mode and give the engine's tests real
// semantics without external services. Time-sensitive stores expose a Now
// field so tests can drive expiry deterministically.
package inmem

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

type resultEntry struct {
	res       domain.TaskResult
	expiresAt time.Time // zero means no expiry
}

type stateEntry struct {
	state domain.TaskState
	meta  map[string]string
}

// ResultBackend stores task results in memory and wakes waiters when a
// terminal result lands.
type ResultBackend struct {
	// Now is the clock; replace in tests to drive expiry.
	Now func() time.Time

	mu      sync.Mutex
	results map[string]resultEntry
	states  map[string]stateEntry
	waiters map[string][]chan domain.TaskResult
}

// NewResultBackend builds an empty backend.
func NewResultBackend() *ResultBackend {
	return &ResultBackend{
		Now:     time.Now,
		results: make(map[string]resultEntry),
		states:  make(map[string]stateEntry),
		waiters: make(map[string][]chan domain.TaskResult),
	}
}

// Store saves res and, for terminal states, releases any waiters.
func (b *ResultBackend) Store(_ domain.Context, res domain.TaskResult, expiry time.Duration) error {
	var expiresAt time.Time
	if expiry > 0 {
		expiresAt = b.Now().Add(expiry)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[res.TaskID] = resultEntry{res: res, expiresAt: expiresAt}
	delete(b.states, res.TaskID)
	if res.State.Terminal() {
		for _, ch := range b.waiters[res.TaskID] {
			ch <- res // buffered, one result per waiter
		}
		delete(b.waiters, res.TaskID)
	}
	return nil
}

// Get returns the stored result or ErrNotFound once expired or absent.
func (b *ResultBackend) Get(_ domain.Context, taskID string) (domain.TaskResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.results[taskID]
	if !ok || b.expiredLocked(e) {
		return domain.TaskResult{}, fmt.Errorf("op=inmem.Get: %w: task %s", domain.ErrNotFound, taskID)
	}
	return e.res, nil
}

// Wait blocks until a terminal result for taskID is stored, the timeout
// elapses, or ctx is cancelled. A timeout of zero waits on ctx alone.
func (b *ResultBackend) Wait(ctx domain.Context, taskID string, timeout time.Duration) (domain.TaskResult, error) {
	b.mu.Lock()
	if e, ok := b.results[taskID]; ok && !b.expiredLocked(e) && e.res.State.Terminal() {
		b.mu.Unlock()
		return e.res, nil
	}
	ch := make(chan domain.TaskResult, 1)
	b.waiters[taskID] = append(b.waiters[taskID], ch)
	b.mu.Unlock()
	defer b.dropWaiter(taskID, ch)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case res := <-ch:
		return res, nil
	case <-timer:
		return domain.TaskResult{}, fmt.Errorf("op=inmem.Wait: %w: task %s", domain.ErrTimeout, taskID)
	case <-ctx.Done():
		return domain.TaskResult{}, ctx.Err()
	}
}

// SetState records a transient state transition. Once a terminal result is
// stored, late transient updates are ignored.
func (b *ResultBackend) SetState(_ domain.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.results[taskID]; ok && !b.expiredLocked(e) && e.res.State.Terminal() {
		return nil
	}
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	b.states[taskID] = stateEntry{state: state, meta: cp}
	return nil
}

// GetState reports the current state; unknown tasks are Pending.
func (b *ResultBackend) GetState(_ domain.Context, taskID string) (domain.TaskState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.results[taskID]; ok && !b.expiredLocked(e) {
		return e.res.State, nil
	}
	if s, ok := b.states[taskID]; ok {
		return s.state, nil
	}
	return domain.StatePending, nil
}

// StateMeta returns the transient metadata for taskID, if any. Progress
// reporting lands here until a result replaces it.
func (b *ResultBackend) StateMeta(_ domain.Context, taskID string) (map[string]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[taskID]
	if !ok {
		return nil, false
	}
	cp := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		cp[k] = v
	}
	return cp, true
}

func (b *ResultBackend) expiredLocked(e resultEntry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(b.Now())
}

func (b *ResultBackend) dropWaiter(taskID string, ch chan domain.TaskResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[taskID]
	for i, w := range ws {
		if w == ch {
			b.waiters[taskID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[taskID]) == 0 {
		delete(b.waiters, taskID)
	}
}
