package client

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// AsyncResult is a handle on one published task's eventual outcome.
type AsyncResult struct {
	taskID     string
	backend    domain.ResultBackend
	serializer domain.Serializer
}

// ID returns the task ID the handle is bound to.
func (r *AsyncResult) ID() string { return r.taskID }

// State reads the task's current lifecycle state.
func (r *AsyncResult) State(ctx domain.Context) (domain.TaskState, error) {
	return r.backend.GetState(ctx, r.taskID)
}

// Wait blocks until the task reaches a terminal state, the timeout
// elapses, or ctx is cancelled. The raw stored result is returned
// regardless of which terminal state it carries.
func (r *AsyncResult) Wait(ctx domain.Context, timeout time.Duration) (domain.TaskResult, error) {
	return r.backend.Wait(ctx, r.taskID, timeout)
}

// Get waits like Wait and then deserializes the payload into out. A
// terminal state other than Success surfaces as a *ResultError.
func (r *AsyncResult) Get(ctx domain.Context, timeout time.Duration, out any) error {
	res, err := r.Wait(ctx, timeout)
	if err != nil {
		return err
	}
	if res.State != domain.StateSuccess {
		return &ResultError{TaskID: r.taskID, State: res.State, Exception: res.Exception}
	}
	if out == nil || len(res.Result) == 0 {
		return nil
	}
	return r.serializer.Unmarshal(res.Result, out)
}

// Get waits for the task and deserializes its payload into T.
func Get[T any](ctx domain.Context, r *AsyncResult, timeout time.Duration) (T, error) {
	var out T
	if err := r.Get(ctx, timeout, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// ResultError reports a task that terminated without success.
type ResultError struct {
	TaskID    string
	State     domain.TaskState
	Exception *domain.ExceptionInfo
}

func (e *ResultError) Error() string {
	if e.Exception != nil && e.Exception.Message != "" {
		return fmt.Sprintf("task %s %s: %s", e.TaskID, e.State, e.Exception.Message)
	}
	return fmt.Sprintf("task %s %s", e.TaskID, e.State)
}

// Unwrap maps revocation onto its sentinel so callers can errors.Is
// without inspecting the struct.
func (e *ResultError) Unwrap() error {
	if e.State == domain.StateRevoked {
		return domain.ErrRevoked
	}
	return nil
}
