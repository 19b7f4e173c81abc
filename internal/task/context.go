// Package task holds the handler-facing API: the per-execution Context,
// the registry mapping task names to handlers and policies, and the filter
// interfaces the execution pipeline runs around every invocation.
package task

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Context carries one delivery through the filter pipeline and into the
// handler. It is confined to the executor goroutine that created it;
// handlers must not retain it past their return.
type Context struct {
	msg     domain.TaskMessage
	reg     *Registration
	backend domain.ResultBackend
	logger  *slog.Logger

	props map[string]any
	input any

	skip         bool
	skipResult   *domain.TaskResult
	requeue      bool
	requeueDelay time.Duration
	execErr      error
}

// NewContext builds the context for one delivery.
func NewContext(msg domain.TaskMessage, reg *Registration, backend domain.ResultBackend, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		msg:     msg,
		reg:     reg,
		backend: backend,
		logger:  logger,
		props:   make(map[string]any),
	}
}

// Message returns a copy of the underlying task message.
func (c *Context) Message() domain.TaskMessage { return c.msg }

// TaskID returns the message ID.
func (c *Context) TaskID() string { return c.msg.ID }

// TaskName returns the registered task name.
func (c *Context) TaskName() string { return c.msg.Task }

// Queue returns the queue the message was consumed from.
func (c *Context) Queue() string { return c.msg.Queue }

// Args returns the raw serialized handler arguments.
func (c *Context) Args() []byte { return c.msg.Args }

// Retries returns how many retries preceded this delivery.
func (c *Context) Retries() int { return c.msg.Retries }

// MaxRetries returns the retry budget for this message.
func (c *Context) MaxRetries() int { return c.msg.MaxRetries }

// SentAt returns the producer-side publication time.
func (c *Context) SentAt() time.Time { return c.msg.Timestamp }

// CorrelationID returns the caller-supplied correlation ID, if any.
func (c *Context) CorrelationID() string { return c.msg.CorrelationID }

// TenantID returns the tenant the message belongs to, if any.
func (c *Context) TenantID() string { return c.msg.TenantID }

// PartitionKey returns the ordering key, if any.
func (c *Context) PartitionKey() string { return c.msg.PartitionKey }

// Header returns a message header by name, or "".
func (c *Context) Header(key string) string { return c.msg.Header(key) }

// Policy returns the per-task policy from the registration.
func (c *Context) Policy() Policy {
	if c.reg == nil {
		return Policy{}
	}
	return c.reg.Policy
}

// Logger returns the delivery-scoped logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Set stores an execution-scoped property. Filters use properties to hand
// state from their executing phase to their executed phase.
func (c *Context) Set(key string, v any) { c.props[key] = v }

// Get retrieves an execution-scoped property.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.props[key]
	return v, ok
}

// GetString retrieves a string property, or "" when absent or not a string.
func (c *Context) GetString(key string) string {
	if v, ok := c.props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// SetSkipExecution short-circuits the pipeline: the handler is not invoked
// and res becomes the final result. Filters call this for deduplicated or
// already-running work.
func (c *Context) SetSkipExecution(res *domain.TaskResult) {
	c.skip = true
	c.skipResult = res
}

// SkipRequested reports whether a filter short-circuited execution.
func (c *Context) SkipRequested() (*domain.TaskResult, bool) {
	return c.skipResult, c.skip
}

// SetRequeue returns the message to the broker unexecuted after delay.
// Used when a partition is busy and the message must keep its place.
func (c *Context) SetRequeue(delay time.Duration) {
	c.requeue = true
	c.requeueDelay = delay
}

// RequeueRequested reports whether a filter asked for a requeue.
func (c *Context) RequeueRequested() (time.Duration, bool) {
	return c.requeueDelay, c.requeue
}

// SetError records the execution failure before the executed/exception
// phases run. The executor owns this; filters read it through Err.
func (c *Context) SetError(err error) { c.execErr = err }

// Err returns the handler or pre-phase error, or nil when execution
// succeeded (or was skipped). Post-phase filters use it to decide whether
// cleanup should also commit (e.g. marking an inbox ID processed).
func (c *Context) Err() error { return c.execErr }

// Retry builds the error a handler returns to request redelivery after
// countdown. The retry counter increments unless the budget is exhausted,
// in which case the executor dead-letters the message instead.
func (c *Context) Retry(countdown time.Duration, cause error) error {
	return &domain.RetryRequest{Countdown: countdown, Cause: cause}
}

// Progress records handler progress (percent plus an optional note) as
// transient Started-state metadata in the result backend.
func (c *Context) Progress(ctx context.Context, percent int, note string) error {
	meta := map[string]string{"progress": strconv.Itoa(percent)}
	if note != "" {
		meta["note"] = note
	}
	return c.backend.SetState(ctx, c.msg.ID, domain.StateStarted, meta)
}

// UpdateState records an arbitrary transient state transition.
func (c *Context) UpdateState(ctx context.Context, state domain.TaskState, meta map[string]string) error {
	return c.backend.SetState(ctx, c.msg.ID, state, meta)
}
