package domain

import "time"

// RevokeOptions controls how a revocation is recorded.
type RevokeOptions struct {
	// Terminate cancels the task even when it already started; without it
	// only tasks not yet started are affected.
	Terminate bool
	// Signal names the requested interruption (advisory, e.g. "SIGTERM").
	Signal string
	// Expiry bounds how long the revocation mark is retained. Zero keeps
	// the store default.
	Expiry time.Duration
}

// RevocationRecord marks a task as revoked.
type RevocationRecord struct {
	TaskID    string    `json:"task_id"`
	Terminate bool      `json:"terminate"`
	Signal    string    `json:"signal,omitempty"`
	RevokedAt time.Time `json:"revoked_at"`
}

// RateLimitPolicy caps executions of a resource to Limit per sliding Window.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitDecision is the outcome of a RateLimiter.TryAcquire.
type RateLimitDecision struct {
	// Allowed is true when the acquisition was admitted and recorded.
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// RetryAfter is how long until a slot frees up; set only on denial and
	// always at least one millisecond.
	RetryAfter time.Duration
}

// DeadLetterReason classifies why a message was parked.
type DeadLetterReason string

const (
	ReasonMaxRetriesExceeded    DeadLetterReason = "max_retries_exceeded"
	ReasonUnknownTask           DeadLetterReason = "unknown_task"
	ReasonDeserializationFailed DeadLetterReason = "deserialization_failed"
	ReasonExpiredMessage        DeadLetterReason = "expired_message"
	ReasonUnprocessable         DeadLetterReason = "unprocessable"
)

// DeadLetterRecord preserves a terminally failed message for inspection and
// manual replay.
type DeadLetterRecord struct {
	ID        string
	Reason    DeadLetterReason
	Message   TaskMessage
	Exception *ExceptionInfo
	CreatedAt time.Time
}
