// Package client is the producer-side API: it builds task messages from
// typed arguments, publishes them to the broker or stages them on the
// outbox, and hands back async results bound to the result backend.
package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// SendOptions shapes one task submission. The zero value publishes to the
// default queue with no retries, no delay, and no expiry.
type SendOptions struct {
	// Queue overrides the default queue.
	Queue string
	// Priority orders delivery within a queue, 0 (lowest) through 9.
	Priority int
	// MaxRetries caps automatic retries after handler failures.
	MaxRetries int
	// Countdown delays execution relative to now. Mutually exclusive
	// with ETA.
	Countdown time.Duration
	// ETA delays execution until an absolute instant.
	ETA *time.Time
	// Expires rejects the message if it has not started by this instant.
	Expires *time.Time

	CorrelationID string
	ParentID      string
	RootID        string
	TenantID      string
	PartitionKey  string
	BatchID       string
	Headers       map[string]string

	// ViaOutbox stages the message on the outbox store instead of
	// publishing directly; the dispatcher relays it after commit.
	ViaOutbox bool
}

// Client publishes tasks. Safe for concurrent use.
type Client struct {
	// Now is the clock; replace in tests.
	Now func() time.Time

	broker     domain.Broker
	outbox     domain.OutboxStore
	backend    domain.ResultBackend
	serializer domain.Serializer
	recorder   domain.MetricsRecorder
	logger     *slog.Logger
}

// New builds a client. outbox may be nil; ViaOutbox sends then fail.
// recorder may be nil to skip metrics.
func New(broker domain.Broker, outbox domain.OutboxStore, backend domain.ResultBackend, serializer domain.Serializer, recorder domain.MetricsRecorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Now:        time.Now,
		broker:     broker,
		outbox:     outbox,
		backend:    backend,
		serializer: serializer,
		recorder:   recorder,
		logger:     logger,
	}
}

// Send marshals args, builds the message, and publishes it. The returned
// AsyncResult is bound to the message's task ID.
func (c *Client) Send(ctx domain.Context, task string, args any, opts SendOptions) (*AsyncResult, error) {
	msg, err := c.buildMessage(task, args, opts)
	if err != nil {
		return nil, err
	}
	if err := c.publish(ctx, msg, opts.ViaOutbox); err != nil {
		return nil, err
	}
	return &AsyncResult{taskID: msg.ID, backend: c.backend, serializer: c.serializer}, nil
}

// Publish enqueues an already-built message. Saga steps and beat schedules
// go through here so outbox routing and metrics stay uniform.
func (c *Client) Publish(ctx domain.Context, msg domain.TaskMessage) error {
	return c.publish(ctx, msg, false)
}

// Result returns an AsyncResult for a previously published task ID.
func (c *Client) Result(taskID string) *AsyncResult {
	return &AsyncResult{taskID: taskID, backend: c.backend, serializer: c.serializer}
}

func (c *Client) publish(ctx domain.Context, msg domain.TaskMessage, viaOutbox bool) error {
	if viaOutbox {
		if c.outbox == nil {
			return fmt.Errorf("op=client.publish: %w: no outbox store configured", domain.ErrInvalidArgument)
		}
		if _, err := c.outbox.Add(ctx, msg); err != nil {
			return fmt.Errorf("op=client.publish: %w", err)
		}
	} else {
		if err := c.broker.Publish(ctx, msg); err != nil {
			return fmt.Errorf("op=client.publish: %w", err)
		}
	}
	if c.recorder != nil {
		c.recorder.TaskPublished(msg.Queue, msg.Task)
	}
	c.logger.Debug("task published",
		slog.String("task_id", msg.ID),
		slog.String("task", msg.Task),
		slog.String("queue", msg.Queue),
		slog.Bool("via_outbox", viaOutbox))
	return nil
}

func (c *Client) buildMessage(task string, args any, opts SendOptions) (domain.TaskMessage, error) {
	if err := c.validate(opts); err != nil {
		return domain.TaskMessage{}, err
	}
	payload, err := c.serializer.Marshal(args)
	if err != nil {
		return domain.TaskMessage{}, fmt.Errorf("op=client.buildMessage: %w", err)
	}
	msg := domain.NewTaskMessage(task, payload, c.serializer.ContentType())
	if opts.Queue != "" {
		msg.Queue = opts.Queue
	}
	msg.Priority = opts.Priority
	msg.MaxRetries = opts.MaxRetries
	msg.CorrelationID = opts.CorrelationID
	msg.ParentID = opts.ParentID
	msg.RootID = opts.RootID
	msg.TenantID = opts.TenantID
	msg.PartitionKey = opts.PartitionKey
	msg.BatchID = opts.BatchID
	for k, v := range opts.Headers {
		msg = msg.WithHeader(k, v)
	}
	if opts.ETA != nil {
		eta := opts.ETA.UTC()
		msg.ETA = &eta
	} else if opts.Countdown > 0 {
		eta := c.Now().Add(opts.Countdown).UTC()
		msg.ETA = &eta
	}
	if opts.Expires != nil {
		exp := opts.Expires.UTC()
		msg.Expires = &exp
	}
	return msg, nil
}

func (c *Client) validate(opts SendOptions) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("op=client.validate: %w: "+format, append([]any{domain.ErrInvalidArgument}, args...)...)
	}
	if opts.Priority < 0 || opts.Priority > 9 {
		return fail("priority %d outside [0,9]", opts.Priority)
	}
	if opts.MaxRetries < 0 {
		return fail("negative max retries %d", opts.MaxRetries)
	}
	if opts.Countdown < 0 {
		return fail("negative countdown %s", opts.Countdown)
	}
	if opts.Countdown > 0 && opts.ETA != nil {
		return fail("countdown and eta are mutually exclusive")
	}
	if opts.Expires != nil {
		if opts.ETA != nil && !opts.Expires.After(*opts.ETA) {
			return fail("expires %s not after eta %s", opts.Expires, opts.ETA)
		}
		if opts.Countdown > 0 && !opts.Expires.After(c.Now().Add(opts.Countdown)) {
			return fail("expires %s inside the countdown window", opts.Expires)
		}
	}
	return nil
}
