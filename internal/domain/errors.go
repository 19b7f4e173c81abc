// Package domain defines the task, result, saga, and coordination entities
// shared by brokers, stores, and the worker engine, plus the port interfaces
// the adapters implement.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDeserialization   = errors.New("deserialization failed")
	ErrExpired           = errors.New("message expired")
	ErrRevoked           = errors.New("task revoked")
	ErrRateLimited       = errors.New("rate limited")
	ErrPartitionBusy     = errors.New("partition busy")
	ErrOverlap           = errors.New("overlapping execution")
	ErrKillSwitchTripped = errors.New("kill switch tripped")
	ErrShutdown          = errors.New("worker shutting down")
	ErrSecurityViolation = errors.New("security violation")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrTimeout           = errors.New("timed out")
	ErrInternal          = errors.New("internal error")
)

// RetryRequest asks the worker to redeliver the current message instead of
// recording a failure. Handlers raise it through TaskContext.Retry; filters
// return it to defer execution (rate limiting sets DoNotIncrementRetries so
// the deferral does not burn an attempt).
type RetryRequest struct {
	// Countdown delays the redelivery; zero means redeliver immediately.
	Countdown time.Duration
	// DoNotIncrementRetries keeps the retry counter unchanged on the
	// republished message.
	DoNotIncrementRetries bool
	// Cause is the underlying reason, if any.
	Cause error
}

func (r *RetryRequest) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("retry requested (countdown=%s): %v", r.Countdown, r.Cause)
	}
	return fmt.Sprintf("retry requested (countdown=%s)", r.Countdown)
}

// Unwrap exposes the cause to errors.Is/errors.As chains.
func (r *RetryRequest) Unwrap() error { return r.Cause }

// Retryable reports whether err carries a RetryRequest anywhere in its chain.
func Retryable(err error) (*RetryRequest, bool) {
	var rr *RetryRequest
	if errors.As(err, &rr) {
		return rr, true
	}
	return nil, false
}
