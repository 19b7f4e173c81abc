package inmem

import (
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

// PartitionLocks serializes execution per partition key. Expired locks are
// pruned lazily on access; there is no background sweeper.
type PartitionLocks struct {
	// Now is the clock; replace in tests to drive expiry.
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]lockEntry
}

// NewPartitionLocks builds an empty lock table.
func NewPartitionLocks() *PartitionLocks {
	return &PartitionLocks{Now: time.Now, locks: make(map[string]lockEntry)}
}

// TryAcquire takes the lock for taskID. Re-acquiring a lock already held by
// the same task returns true without touching the expiry.
func (p *PartitionLocks) TryAcquire(_ domain.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.liveLocked(partitionKey); ok {
		return e.holder == taskID, nil
	}
	p.locks[partitionKey] = lockEntry{holder: taskID, expiresAt: p.Now().Add(ttl)}
	return true, nil
}

// Release frees the lock only when taskID still holds it.
func (p *PartitionLocks) Release(_ domain.Context, partitionKey, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.liveLocked(partitionKey); ok && e.holder == taskID {
		delete(p.locks, partitionKey)
		return true, nil
	}
	return false, nil
}

// Extend adds extension to the remaining TTL when taskID holds the lock.
func (p *PartitionLocks) Extend(_ domain.Context, partitionKey, taskID string, extension time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.liveLocked(partitionKey); ok && e.holder == taskID {
		e.expiresAt = e.expiresAt.Add(extension)
		p.locks[partitionKey] = e
		return true, nil
	}
	return false, nil
}

// IsLocked reports whether an unexpired lock exists for partitionKey.
func (p *PartitionLocks) IsLocked(_ domain.Context, partitionKey string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.liveLocked(partitionKey)
	return ok, nil
}

// Holder returns the task holding partitionKey, or "".
func (p *PartitionLocks) Holder(_ domain.Context, partitionKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.liveLocked(partitionKey); ok {
		return e.holder, nil
	}
	return "", nil
}

func (p *PartitionLocks) liveLocked(key string) (lockEntry, bool) {
	e, ok := p.locks[key]
	if !ok {
		return lockEntry{}, false
	}
	if !e.expiresAt.After(p.Now()) {
		delete(p.locks, key)
		return lockEntry{}, false
	}
	return e, true
}

// Tracker provides single-flight execution per lock key.
type Tracker struct {
	// Now is the clock; replace in tests to drive expiry.
	Now func() time.Time

	mu      sync.Mutex
	running map[string]lockEntry
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{Now: time.Now, running: make(map[string]lockEntry)}
}

// TryStart claims the key for taskID. A redelivery of the same task ID may
// pass through; any other running task blocks the start.
func (t *Tracker) TryStart(_ domain.Context, lockKey, taskID string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.liveLocked(lockKey); ok {
		return e.holder == taskID, nil
	}
	t.running[lockKey] = lockEntry{holder: taskID, expiresAt: t.Now().Add(ttl)}
	return true, nil
}

// Finish clears the entry only when taskID still owns it.
func (t *Tracker) Finish(_ domain.Context, lockKey, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.liveLocked(lockKey); ok && e.holder == taskID {
		delete(t.running, lockKey)
	}
	return nil
}

// Executing returns the running task's ID for the key, if any.
func (t *Tracker) Executing(_ domain.Context, lockKey string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.liveLocked(lockKey); ok {
		return e.holder, true, nil
	}
	return "", false, nil
}

// Extend adds extension to the remaining TTL when taskID owns the key.
func (t *Tracker) Extend(_ domain.Context, lockKey, taskID string, extension time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.liveLocked(lockKey); ok && e.holder == taskID {
		e.expiresAt = e.expiresAt.Add(extension)
		t.running[lockKey] = e
		return true, nil
	}
	return false, nil
}

func (t *Tracker) liveLocked(key string) (lockEntry, bool) {
	e, ok := t.running[key]
	if !ok {
		return lockEntry{}, false
	}
	if !e.expiresAt.After(t.Now()) {
		delete(t.running, key)
		return lockEntry{}, false
	}
	return e, true
}
