package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
)

// claimBatchSize bounds how many due messages one dispatch cycle moves.
const claimBatchSize = 100

// DelayedDispatcher moves due messages from the delay store back onto the
// broker. Between cycles it sleeps until the earlier of the poll interval
// and the next known delivery time, so an idle store costs one read per
// poll interval while imminent deliveries fire promptly.
type DelayedDispatcher struct {
	// Now is the clock; replace in tests to drive due-ness.
	Now func() time.Time

	store         domain.DelayedStore
	broker        domain.Broker
	pollInterval  time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewDelayedDispatcher builds a dispatcher. pollInterval bounds the idle
// sleep; retryInterval is how long a message waits after a failed publish.
func NewDelayedDispatcher(store domain.DelayedStore, broker domain.Broker, pollInterval, retryInterval time.Duration, logger *slog.Logger) *DelayedDispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if retryInterval <= 0 {
		retryInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DelayedDispatcher{
		Now:           time.Now,
		store:         store,
		broker:        broker,
		pollInterval:  pollInterval,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Run dispatches until ctx is cancelled.
func (d *DelayedDispatcher) Run(ctx context.Context) {
	for {
		d.dispatchDue(ctx)
		if !sleepCtx(ctx, d.nextSleep(ctx)) {
			return
		}
	}
}

// dispatchDue drains everything currently due, in delivery-time order.
func (d *DelayedDispatcher) dispatchDue(ctx context.Context) {
	for {
		due, err := d.store.ClaimDue(ctx, d.Now(), claimBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("delayed claim failed", slog.Any("error", err))
			}
			return
		}
		if len(due) == 0 {
			return
		}
		for _, dm := range due {
			msg := dm.Message
			msg.ETA = nil
			if err := d.broker.Publish(ctx, msg); err != nil {
				d.logger.Error("delayed publish failed, rescheduling",
					slog.String("task_id", msg.ID),
					slog.Duration("retry_in", d.retryInterval),
					slog.Any("error", err))
				if rerr := d.store.Schedule(ctx, dm.Message, d.Now().Add(d.retryInterval)); rerr != nil {
					d.logger.Error("delayed reschedule failed, message lost from delay store",
						slog.String("task_id", msg.ID), slog.Any("error", rerr))
				}
				continue
			}
			observability.DelayedDispatchedTotal.Inc()
		}
		if len(due) < claimBatchSize {
			return
		}
	}
}

// nextSleep picks min(pollInterval, time until next delivery).
func (d *DelayedDispatcher) nextSleep(ctx context.Context) time.Duration {
	sleep := d.pollInterval
	next, ok, err := d.store.NextDelivery(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("delayed next-delivery read failed", slog.Any("error", err))
		}
		return sleep
	}
	if ok {
		if until := next.Sub(d.Now()); until < sleep {
			sleep = until
		}
	}
	if sleep < time.Millisecond {
		sleep = time.Millisecond
	}
	return sleep
}
