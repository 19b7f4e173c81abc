// Package outbox relays transactionally staged messages to the broker.
// Producers write the message and their domain rows in one database
// transaction; the dispatcher polls the staged rows and publishes them in
// sequence order, so a task is enqueued if and only if the transaction
// committed.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
)

// Options tunes the dispatcher loops.
type Options struct {
	// PollInterval is the idle sleep between dispatch cycles. Default 1s.
	PollInterval time.Duration
	// BatchSize bounds rows fetched per cycle. Default 100.
	BatchSize int
	// MaxAttempts parks a row as permanently failed after this many
	// publish failures. Default 5.
	MaxAttempts int
	// Retention is how long dispatched rows are kept before cleanup.
	// Default 24h.
	Retention time.Duration
	// CleanupInterval spaces PurgeDispatched runs. Default 10m.
	CleanupInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 10 * time.Minute
	}
	return o
}

// Dispatcher drains pending outbox rows onto the broker.
type Dispatcher struct {
	// Now is the clock; replace in tests.
	Now func() time.Time

	store  domain.OutboxStore
	broker domain.Broker
	opts   Options
	logger *slog.Logger
}

// New builds a dispatcher over store and broker.
func New(store domain.OutboxStore, broker domain.Broker, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Now:    time.Now,
		store:  store,
		broker: broker,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Run polls and dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		d.DispatchPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchPending publishes one batch of pending rows in sequence order.
// A publish failure stops the batch so later rows never overtake an
// earlier one that will be retried; the failed row itself is marked and
// picked up again next cycle. Returns how many rows were dispatched.
func (d *Dispatcher) DispatchPending(ctx context.Context) int {
	rows, err := d.store.Pending(ctx, d.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("outbox pending read failed", slog.Any("error", err))
		}
		return 0
	}
	dispatched := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return dispatched
		}
		if err := d.broker.Publish(ctx, row.Message); err != nil {
			permanent := row.Attempts+1 >= d.opts.MaxAttempts
			d.logger.Error("outbox publish failed",
				slog.String("outbox_id", row.ID),
				slog.String("task_id", row.Message.ID),
				slog.Int("attempts", row.Attempts+1),
				slog.Bool("permanent", permanent),
				slog.Any("error", err))
			if merr := d.store.MarkFailed(ctx, row.ID, err.Error(), permanent); merr != nil {
				d.logger.Error("outbox mark-failed failed",
					slog.String("outbox_id", row.ID), slog.Any("error", merr))
			}
			if permanent {
				observability.ObserveOutboxDispatch("failed")
			} else {
				observability.ObserveOutboxDispatch("retried")
			}
			return dispatched
		}
		if err := d.store.MarkDispatched(ctx, row.ID, d.Now()); err != nil {
			// The message is on the broker; a stale row means a possible
			// duplicate publish next cycle, which the inbox dedup absorbs.
			d.logger.Error("outbox mark-dispatched failed",
				slog.String("outbox_id", row.ID), slog.Any("error", err))
		}
		observability.ObserveOutboxDispatch("dispatched")
		dispatched++
	}
	return dispatched
}

// RunCleanup purges dispatched rows past retention until ctx is cancelled.
func (d *Dispatcher) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(d.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.PurgeDispatched(ctx, d.Now().Add(-d.opts.Retention))
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Error("outbox purge failed", slog.Any("error", err))
				}
				continue
			}
			if n > 0 {
				d.logger.Debug("outbox purged", slog.Int64("rows", n))
			}
		}
	}
}
