package domain

import (
	"fmt"
	"time"
)

// TaskState tracks a task through its lifecycle. State names follow the
// upper-case convention so results interoperate with existing tooling that
// inspects the result backend.
type TaskState string

const (
	// StatePending: published, not yet picked up by a worker.
	StatePending TaskState = "PENDING"
	// StateReceived: delivered to a worker, waiting for an executor slot.
	StateReceived TaskState = "RECEIVED"
	// StateStarted: handler invocation in progress.
	StateStarted TaskState = "STARTED"
	// StateSuccess: handler returned normally; terminal.
	StateSuccess TaskState = "SUCCESS"
	// StateFailure: handler failed without a retry; terminal.
	StateFailure TaskState = "FAILURE"
	// StateRetry: redelivery scheduled; the fresh message starts Pending.
	StateRetry TaskState = "RETRY"
	// StateRevoked: cancelled before or during execution; terminal.
	StateRevoked TaskState = "REVOKED"
	// StateRejected: refused without execution (expired, unknown, invalid);
	// terminal.
	StateRejected TaskState = "REJECTED"
	// StateRequeued: returned to the broker unexecuted, e.g. during
	// graceful shutdown or a partition conflict.
	StateRequeued TaskState = "REQUEUED"
)

// Terminal reports whether no further transition can follow s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	}
	return false
}

// ExceptionInfo captures a handler failure for the result backend.
type ExceptionInfo struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StackTrace string `json:"stack_trace,omitempty"`
}

// ExceptionFromError snapshots err for result storage. Returns nil for nil.
func ExceptionFromError(err error) *ExceptionInfo {
	if err == nil {
		return nil
	}
	return &ExceptionInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
}

// TaskResult is the stored outcome of one execution attempt. At most one
// worker writes a given task's row at a time, so updates need no CAS.
type TaskResult struct {
	TaskID      string            `json:"task_id"`
	State       TaskState         `json:"state"`
	Result      []byte            `json:"result,omitempty"`
	Exception   *ExceptionInfo    `json:"exception,omitempty"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Failed reports whether the result carries a failure-class state.
func (r TaskResult) Failed() bool {
	return r.State == StateFailure || r.State == StateRejected || r.State == StateRevoked
}

// TaskSignal announces a task state change on the signal bus. The saga
// orchestrator consumes terminal signals to advance or compensate sagas.
type TaskSignal struct {
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name"`
	State     TaskState      `json:"state"`
	Result    []byte         `json:"result,omitempty"`
	Exception *ExceptionInfo `json:"exception,omitempty"`
	At        time.Time      `json:"at"`
}
