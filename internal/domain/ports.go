package domain

import (
	"context"
	"time"
)

// Context aliases context.Context so ports stay terse; adapters pass the
// standard context straight through.
type Context = context.Context

// Broker moves TaskMessages between producers and workers with
// at-least-once delivery.
type Broker interface {
	// Publish enqueues msg on msg.Queue.
	Publish(ctx Context, msg TaskMessage) error
	// Consume opens a delivery stream over queues. At most prefetch
	// deliveries are outstanding (unacked) at a time. The channel closes
	// when ctx is cancelled or the broker shuts down.
	Consume(ctx Context, queues []string, prefetch int) (<-chan BrokerMessage, error)
	// Ack settles the delivery; the message will not be redelivered.
	Ack(ctx Context, delivery BrokerMessage) error
	// Reject settles the delivery negatively; with requeue the message
	// becomes deliverable again.
	Reject(ctx Context, delivery BrokerMessage, requeue bool) error
	// Healthy reports whether the transport is currently usable.
	Healthy(ctx Context) bool
	Close() error
}

// ResultBackend stores task results and transient state updates.
type ResultBackend interface {
	Store(ctx Context, res TaskResult, expiry time.Duration) error
	Get(ctx Context, taskID string) (TaskResult, error)
	// Wait blocks until a terminal result for taskID exists, the timeout
	// elapses (ErrTimeout), or ctx is cancelled.
	Wait(ctx Context, taskID string, timeout time.Duration) (TaskResult, error)
	// SetState records a transient state transition (e.g. Started,
	// progress metadata) without touching any stored payload.
	SetState(ctx Context, taskID string, state TaskState, meta map[string]string) error
	GetState(ctx Context, taskID string) (TaskState, error)
}

// Serializer converts handler arguments and results to and from the wire.
type Serializer interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// OutboxStore stages messages for transactional publication. Implementations
// assign monotonically increasing sequence numbers at Add time.
type OutboxStore interface {
	Add(ctx Context, msg TaskMessage) (OutboxMessage, error)
	// Pending returns undispatched messages in ascending sequence order.
	Pending(ctx Context, limit int) ([]OutboxMessage, error)
	MarkDispatched(ctx Context, id string, at time.Time) error
	// MarkFailed increments the attempt counter and records lastErr;
	// permanent flips the row to OutboxFailed.
	MarkFailed(ctx Context, id string, lastErr string, permanent bool) error
	// PurgeDispatched removes dispatched rows older than the cutoff.
	PurgeDispatched(ctx Context, olderThan time.Time) (int64, error)
}

// DelayedStore parks messages until their delivery time.
type DelayedStore interface {
	Schedule(ctx Context, msg TaskMessage, deliverAt time.Time) error
	// ClaimDue atomically removes and returns up to limit messages due at
	// now. Claimed messages the caller fails to publish must be
	// re-Scheduled.
	ClaimDue(ctx Context, now time.Time, limit int) ([]DelayedMessage, error)
	// NextDelivery returns the earliest pending delivery time; ok is false
	// when the store is empty.
	NextDelivery(ctx Context) (t time.Time, ok bool, err error)
}

// InboxStore remembers processed task IDs for deduplication.
type InboxStore interface {
	Seen(ctx Context, taskID string) (bool, error)
	MarkProcessed(ctx Context, taskID string, retention time.Duration) error
}

// PartitionLockStore serializes execution per partition key. Locks are held
// by a task ID and expire after their TTL so crashed holders cannot wedge a
// partition.
type PartitionLockStore interface {
	// TryAcquire takes the lock for taskID. Re-acquiring a lock already
	// held by the same taskID returns true without extending the expiry.
	TryAcquire(ctx Context, partitionKey, taskID string, ttl time.Duration) (bool, error)
	// Release frees the lock only when taskID still holds it.
	Release(ctx Context, partitionKey, taskID string) (bool, error)
	// Extend adds extension to the remaining TTL when taskID holds the lock.
	Extend(ctx Context, partitionKey, taskID string, extension time.Duration) (bool, error)
	IsLocked(ctx Context, partitionKey string) (bool, error)
	// Holder returns the task ID holding the lock, or "" when free.
	Holder(ctx Context, partitionKey string) (string, error)
}

// ExecutionTracker provides single-flight execution per lock key. Callers
// compose the key from the task name and an optional per-invocation value.
type ExecutionTracker interface {
	TryStart(ctx Context, lockKey, taskID string, ttl time.Duration) (bool, error)
	// Finish clears the entry only when taskID still owns it.
	Finish(ctx Context, lockKey, taskID string) error
	// Executing returns the running task's ID for the key, if any.
	Executing(ctx Context, lockKey string) (taskID string, ok bool, err error)
	Extend(ctx Context, lockKey, taskID string, extension time.Duration) (bool, error)
}

// RateLimiter admits executions under a sliding-window policy.
type RateLimiter interface {
	TryAcquire(ctx Context, key string, policy RateLimitPolicy) (RateLimitDecision, error)
}

// RevocationStore marks tasks as revoked and broadcasts the marks so
// workers can cancel deliveries already in flight.
type RevocationStore interface {
	Revoke(ctx Context, taskID string, opts RevokeOptions) error
	IsRevoked(ctx Context, taskID string) (bool, error)
	// Subscribe streams revocations recorded after the call. The channel
	// closes when ctx is cancelled.
	Subscribe(ctx Context) (<-chan RevocationRecord, error)
}

// SignalBus broadcasts task state transitions to interested listeners.
type SignalBus interface {
	Publish(ctx Context, sig TaskSignal) error
	Subscribe(ctx Context) (<-chan TaskSignal, error)
}

// SagaStore persists saga progress. FindByTaskID locates the saga owning a
// step task so result signals can be routed back to it.
type SagaStore interface {
	Save(ctx Context, saga *Saga) error
	Get(ctx Context, id string) (*Saga, error)
	FindByTaskID(ctx Context, taskID string) (*Saga, error)
}

// DeadLetterStore keeps terminally failed messages for inspection.
type DeadLetterStore interface {
	Add(ctx Context, rec DeadLetterRecord) error
	// List returns newest records first, up to limit.
	List(ctx Context, limit int) ([]DeadLetterRecord, error)
	Delete(ctx Context, id string) error
	Purge(ctx Context, olderThan time.Time) (int64, error)
}

// MetricsRecorder observes queue traffic. The worker and client call it on
// the hot path, so implementations must not block.
type MetricsRecorder interface {
	TaskPublished(queue, task string)
	TaskStarted(queue, task string)
	TaskCompleted(queue, task string, state TaskState, d time.Duration)
}
