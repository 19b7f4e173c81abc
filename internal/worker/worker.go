// Package worker runs the consume/execute/settle loop: a broker consumer
// feeds a bounded work channel, a pool of executor goroutines runs each
// delivery through the execution pipeline, and the resulting outcome is
// translated into exactly one terminal broker operation per delivery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/execution"
	"github.com/fairyhunter13/dotcelery/internal/killswitch"
)

// Options configure the delivery loop.
type Options struct {
	// Queues to consume, drained in the order given.
	Queues []string
	// Concurrency is the executor goroutine count.
	Concurrency int
	// Prefetch bounds outstanding deliveries per consumer.
	Prefetch int

	// UseDelayQueue routes future-ETA messages and countdown retries
	// through the delayed store instead of broker-native ETA republish.
	UseDelayQueue bool
	// RequeueRateLimitedToDelayQueue routes rate-limit deferrals through
	// the delayed store even when UseDelayQueue is off.
	RequeueRateLimitedToDelayQueue bool
	// ETAInlineThreshold is how long an executor may sleep on a near-future
	// ETA when no delay store is available before giving the delivery back.
	ETAInlineThreshold time.Duration

	// GracefulShutdown waits ShutdownTimeout for in-flight tasks on stop;
	// without it in-flight tasks are cancelled immediately.
	GracefulShutdown bool
	ShutdownTimeout  time.Duration
	// AbandonOnForcedShutdown leaves force-cancelled deliveries unacked
	// instead of reject-requeueing them, deferring redelivery to the
	// broker's own reclaim (stale-consumer autoclaim, uncommitted offsets).
	AbandonOnForcedShutdown bool

	// ReconnectInitial/ReconnectMax bound the consume-loop backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Queues) == 0 {
		o.Queues = []string{domain.DefaultQueue}
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.ETAInlineThreshold <= 0 {
		o.ETAInlineThreshold = 5 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 500 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	return o
}

// Worker owns one process's delivery loop. Create with New, run with Run;
// a Worker runs once.
type Worker struct {
	// Now is the clock; replace in tests for deterministic ETA handling.
	Now func() time.Time

	opts        Options
	broker      domain.Broker
	executor    *execution.Executor
	delayed     domain.DelayedStore
	killSwitch  *killswitch.Switch
	revocations domain.RevocationStore
	logger      *slog.Logger

	stopping atomic.Bool
	inflight sync.Map // task ID -> context.CancelCauseFunc
}

// New builds a worker. delayed, killSwitch, and revocations may be nil;
// the matching behavior is skipped.
func New(opts Options, broker domain.Broker, exec *execution.Executor, delayed domain.DelayedStore, ks *killswitch.Switch, revocations domain.RevocationStore, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		Now:         time.Now,
		opts:        opts.withDefaults(),
		broker:      broker,
		executor:    exec,
		delayed:     delayed,
		killSwitch:  ks,
		revocations: revocations,
		logger:      logger,
	}
}

// Run consumes and executes until ctx is cancelled, then shuts down:
// consumption stops, in-flight tasks get up to ShutdownTimeout to finish,
// and whatever remains is cancelled so it requeues for another worker.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		slog.Any("queues", w.opts.Queues),
		slog.Int("concurrency", w.opts.Concurrency),
		slog.Int("prefetch", w.opts.Prefetch))

	// Internal lifecycles are detached from ctx: shutdown ordering is
	// explicit below rather than riding one cancellation edge.
	consumeCtx, stopConsume := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsume()

	if w.revocations != nil {
		events, err := w.revocations.Subscribe(consumeCtx)
		if err != nil {
			w.logger.Error("revocation subscribe failed", slog.Any("error", err))
		} else {
			go w.watchRevocations(events)
		}
	}

	work := make(chan domain.BrokerMessage, w.opts.Prefetch*w.opts.Concurrency)
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		defer close(work)
		w.consumeLoop(consumeCtx, work)
	}()

	pool := new(errgroup.Group)
	for i := 0; i < w.opts.Concurrency; i++ {
		pool.Go(func() error {
			w.runExecutor(ctx, work)
			return nil
		})
	}

	<-ctx.Done()
	w.stopping.Store(true)
	w.logger.Info("worker stopping")
	stopConsume()
	consumer.Wait()

	poolDone := make(chan struct{})
	go func() {
		_ = pool.Wait()
		close(poolDone)
	}()

	if w.opts.GracefulShutdown && w.opts.ShutdownTimeout > 0 {
		timer := time.NewTimer(w.opts.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-poolDone:
		case <-timer.C:
			w.logger.Warn("shutdown timeout reached, cancelling in-flight tasks")
			w.cancelInflight(domain.ErrShutdown)
			<-poolDone
		}
	} else {
		w.cancelInflight(domain.ErrShutdown)
		<-poolDone
	}
	w.logger.Info("worker stopped")
	return nil
}

// consumeLoop keeps a consumer stream open, reconnecting with exponential
// backoff on broker failures, and forwards deliveries into work.
func (w *Worker) consumeLoop(ctx context.Context, work chan<- domain.BrokerMessage) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.ReconnectInitial
	bo.MaxInterval = w.opts.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := w.broker.Consume(ctx, w.opts.Queues, w.opts.Prefetch)
		if err != nil {
			wait := bo.NextBackOff()
			w.logger.Error("broker consume failed, backing off",
				slog.Any("error", err), slog.Duration("backoff", wait))
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}
		bo.Reset()

		for bm := range deliveries {
			select {
			case work <- bm:
			case <-ctx.Done():
				w.rejectRequeue(bm)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		// Stream ended without a stop: the broker went away mid-consume.
		wait := bo.NextBackOff()
		w.logger.Warn("delivery stream closed, reconnecting", slog.Duration("backoff", wait))
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// runExecutor drains the work channel until it closes. Once the worker is
// stopping, remaining deliveries are handed straight back to the broker.
func (w *Worker) runExecutor(ctx context.Context, work <-chan domain.BrokerMessage) {
	for bm := range work {
		if w.stopping.Load() {
			w.rejectRequeue(bm)
			continue
		}
		if w.killSwitch != nil {
			if err := w.killSwitch.WaitUntilReady(ctx); err != nil {
				w.rejectRequeue(bm)
				continue
			}
		}
		w.process(ctx, bm)
	}
}

// process executes one delivery and settles it with exactly one terminal
// broker operation.
func (w *Worker) process(ctx context.Context, bm domain.BrokerMessage) {
	if done := w.handleFutureETA(ctx, bm); done {
		return
	}

	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	w.inflight.Store(bm.Message.ID, cancel)
	defer func() {
		w.inflight.Delete(bm.Message.ID)
		cancel(nil)
	}()

	out := w.executor.Execute(taskCtx, bm)

	if w.killSwitch != nil {
		switch {
		case out.Kind == execution.OutcomeSuccess:
			w.killSwitch.RecordSuccess()
		case out.Failed():
			w.killSwitch.RecordFailure(out.Err)
		}
	}
	w.settle(ctx, bm, out)
}

// settle maps the outcome to its broker operation.
func (w *Worker) settle(ctx context.Context, bm domain.BrokerMessage, out execution.Outcome) {
	lg := w.logger.With(
		slog.String("task_id", bm.Message.ID),
		slog.String("outcome", out.Kind.String()))

	// Settling must succeed even when the worker's run context is already
	// cancelled: every delivery gets its terminal broker operation.
	opCtx := context.WithoutCancel(ctx)

	switch out.Kind {
	case execution.OutcomeSuccess, execution.OutcomeFailure,
		execution.OutcomeRevoked, execution.OutcomeRejected:
		if err := w.broker.Ack(opCtx, bm); err != nil {
			lg.Error("ack failed", slog.Any("error", err))
		}

	case execution.OutcomeRetry:
		retry := out.RetryMessage(bm.Message, w.Now())
		if err := w.publishRetry(opCtx, retry, out); err != nil {
			// Keep the delivery alive: redelivery repeats the attempt
			// rather than losing the message.
			lg.Error("retry publish failed, requeueing original", slog.Any("error", err))
			w.rejectRequeue(bm)
			return
		}
		if err := w.broker.Ack(opCtx, bm); err != nil {
			lg.Error("ack failed after retry publish", slog.Any("error", err))
		}

	case execution.OutcomeRequeue:
		if w.opts.AbandonOnForcedShutdown && errors.Is(out.Err, domain.ErrShutdown) {
			lg.Info("forced shutdown: delivery left unacked for broker reclaim")
			return
		}
		if out.RequeueDelay > 0 && !w.stopping.Load() {
			sleepCtx(ctx, out.RequeueDelay)
		}
		w.rejectRequeue(bm)
	}
}

// publishRetry routes the retry either through the delayed store or back
// onto the broker with an ETA, per configuration.
func (w *Worker) publishRetry(ctx context.Context, msg domain.TaskMessage, out execution.Outcome) error {
	useDelay := w.delayed != nil && out.RetryCountdown > 0 &&
		(w.opts.UseDelayQueue || (out.DoNotIncrementRetries && w.opts.RequeueRateLimitedToDelayQueue))
	if useDelay {
		deliverAt := *msg.ETA
		msg.ETA = nil
		return w.delayed.Schedule(ctx, msg, deliverAt)
	}
	return w.broker.Publish(ctx, msg)
}

// handleFutureETA deals with deliveries whose ETA is still ahead. Returns
// true when the delivery was settled here.
func (w *Worker) handleFutureETA(ctx context.Context, bm domain.BrokerMessage) bool {
	msg := bm.Message
	now := w.Now()
	if !msg.Deferred(now) {
		return false
	}

	if w.delayed != nil && w.opts.UseDelayQueue {
		deliverAt := *msg.ETA
		msg.ETA = nil
		if err := w.delayed.Schedule(ctx, msg, deliverAt); err != nil {
			w.logger.Error("delay store schedule failed", slog.Any("error", err))
			w.rejectRequeue(bm)
			return true
		}
		if err := w.broker.Ack(ctx, bm); err != nil {
			w.logger.Error("ack failed after delay schedule", slog.Any("error", err))
		}
		return true
	}

	// No delay store: absorb a short wait inline, otherwise hand the
	// delivery back so the queue is not head-blocked by one sleeper.
	until := msg.ETA.Sub(now)
	if until <= w.opts.ETAInlineThreshold {
		sleepCtx(ctx, until)
		return false
	}
	sleepCtx(ctx, w.opts.ETAInlineThreshold)
	w.rejectRequeue(bm)
	return true
}

func (w *Worker) rejectRequeue(bm domain.BrokerMessage) {
	// Detached context: requeues must go through even during shutdown.
	if err := w.broker.Reject(context.Background(), bm, true); err != nil {
		w.logger.Error("reject-requeue failed",
			slog.String("task_id", bm.Message.ID), slog.Any("error", err))
	}
}

func (w *Worker) watchRevocations(events <-chan domain.RevocationRecord) {
	for rec := range events {
		if !rec.Terminate {
			// Soft revocation only stops tasks that have not started;
			// the executor's pre-check covers those.
			continue
		}
		if v, ok := w.inflight.Load(rec.TaskID); ok {
			w.logger.Info("terminating in-flight task on revocation",
				slog.String("task_id", rec.TaskID))
			v.(context.CancelCauseFunc)(domain.ErrRevoked)
		}
	}
}

func (w *Worker) cancelInflight(cause error) {
	w.inflight.Range(func(_, v any) bool {
		v.(context.CancelCauseFunc)(cause)
		return true
	})
}

// sleepCtx sleeps d or until ctx is done; it reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
