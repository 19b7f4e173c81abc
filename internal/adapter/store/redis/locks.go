package redis

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// releaseScript deletes the lock only while the caller still owns it, so a
// holder whose lock expired and was re-acquired cannot free someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript adds ARGV[2] milliseconds to the remaining TTL while the
// caller owns the lock.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    ttl = 0
  end
  return redis.call("PEXPIRE", KEYS[1], ttl + tonumber(ARGV[2]))
end
return 0
`)

// ownedLock is a value-checked expiring lock: SET NX to take, Lua CAS to
// release or extend.
type ownedLock struct {
	rdb    *redis.Client
	prefix string
}

func (l ownedLock) key(k string) string { return l.prefix + k }

func (l ownedLock) tryAcquire(ctx domain.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.tryAcquire: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.rdb.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the next delivery attempt wins.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=redis.tryAcquire: %w", err)
	}
	return holder == owner, nil
}

func (l ownedLock) release(ctx domain.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("op=redis.release: %w", err)
	}
	return n == 1, nil
}

func (l ownedLock) extend(ctx domain.Context, key, owner string, extension time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key(key)}, owner, extension.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("op=redis.extend: %w", err)
	}
	return n == 1, nil
}

func (l ownedLock) holder(ctx domain.Context, key string) (string, error) {
	holder, err := l.rdb.Get(ctx, l.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=redis.holder: %w", err)
	}
	return holder, nil
}

// PartitionLocks implements the partition lock port; lock expiry rides on
// Redis key TTLs so a crashed holder frees its partition automatically.
type PartitionLocks struct {
	lock ownedLock
}

// NewPartitionLocks builds the store over an existing client.
func NewPartitionLocks(rdb *redis.Client) *PartitionLocks {
	return &PartitionLocks{lock: ownedLock{rdb: rdb, prefix: partitionKeyPrefix}}
}

// TryAcquire takes the partition for taskID. Re-acquiring a lock already
// held by the same task returns true without touching the expiry.
func (p *PartitionLocks) TryAcquire(ctx domain.Context, partitionKey, taskID string, ttl time.Duration) (bool, error) {
	return p.lock.tryAcquire(ctx, partitionKey, taskID, ttl)
}

// Release frees the lock only when taskID still holds it.
func (p *PartitionLocks) Release(ctx domain.Context, partitionKey, taskID string) (bool, error) {
	return p.lock.release(ctx, partitionKey, taskID)
}

// Extend adds extension to the remaining TTL when taskID holds the lock.
func (p *PartitionLocks) Extend(ctx domain.Context, partitionKey, taskID string, extension time.Duration) (bool, error) {
	return p.lock.extend(ctx, partitionKey, taskID, extension)
}

// IsLocked reports whether an unexpired lock exists for partitionKey.
func (p *PartitionLocks) IsLocked(ctx domain.Context, partitionKey string) (bool, error) {
	holder, err := p.lock.holder(ctx, partitionKey)
	return holder != "", err
}

// Holder returns the task holding partitionKey, or "".
func (p *PartitionLocks) Holder(ctx domain.Context, partitionKey string) (string, error) {
	return p.lock.holder(ctx, partitionKey)
}

// Tracker implements the execution tracker port on the same owned-lock
// primitive under a separate key space.
type Tracker struct {
	lock ownedLock
}

// NewTracker builds the tracker over an existing client.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{lock: ownedLock{rdb: rdb, prefix: trackerKeyPrefix}}
}

// TryStart claims the key for taskID. A redelivery of the same task ID may
// pass through; any other running task blocks the start.
func (t *Tracker) TryStart(ctx domain.Context, lockKey, taskID string, ttl time.Duration) (bool, error) {
	return t.lock.tryAcquire(ctx, lockKey, taskID, ttl)
}

// Finish clears the entry only when taskID still owns it.
func (t *Tracker) Finish(ctx domain.Context, lockKey, taskID string) error {
	_, err := t.lock.release(ctx, lockKey, taskID)
	return err
}

// Executing returns the running task's ID for the key, if any.
func (t *Tracker) Executing(ctx domain.Context, lockKey string) (string, bool, error) {
	holder, err := t.lock.holder(ctx, lockKey)
	return holder, holder != "", err
}

// Extend adds extension to the remaining TTL when taskID owns the key.
func (t *Tracker) Extend(ctx domain.Context, lockKey, taskID string, extension time.Duration) (bool, error) {
	return t.lock.extend(ctx, lockKey, taskID, extension)
}
