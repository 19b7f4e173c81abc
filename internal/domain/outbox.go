package domain

import "time"

// OutboxStatus is the dispatch state of a staged message.
type OutboxStatus string

const (
	// OutboxPending: stored, awaiting publication.
	OutboxPending OutboxStatus = "pending"
	// OutboxDispatched: published to the broker; kept for audit until purged.
	OutboxDispatched OutboxStatus = "dispatched"
	// OutboxFailed: publication failed maxAttempts times; needs operator
	// attention.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxMessage wraps a TaskMessage staged inside a business transaction.
// SequenceNumber is assigned by the store and fixes dispatch order.
type OutboxMessage struct {
	ID             string
	SequenceNumber int64
	Message        TaskMessage
	Status         OutboxStatus
	Attempts       int
	LastError      string
	CreatedAt      time.Time
	DispatchedAt   *time.Time
}

// DelayedMessage is a TaskMessage parked until its delivery time.
type DelayedMessage struct {
	ID        string
	Message   TaskMessage
	DeliverAt time.Time
}
