// Package execution turns one broker delivery into a classified outcome:
// it runs the filter pipeline and the registered handler, persists the
// result, and tells the worker which broker operation settles the
// delivery.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/dotcelery/internal/deadletter"
	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
	"github.com/fairyhunter13/dotcelery/internal/task"
)

// Executor runs deliveries. One instance is shared by all worker
// goroutines; per-delivery state lives on the task.Context.
type Executor struct {
	// Now is the clock; replace in tests for deterministic timestamps.
	Now func() time.Time

	registry    *task.Registry
	backend     domain.ResultBackend
	pipeline    *Pipeline
	revocations domain.RevocationStore
	deadLetters *deadletter.Handler
	signals     domain.SignalBus

	resultExpiry   time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
}

// Config wires an Executor. Registry and Backend are mandatory; the rest
// may be nil/zero and the matching step is skipped.
type Config struct {
	Registry    *task.Registry
	Backend     domain.ResultBackend
	Filters     []task.Filter
	Revocations domain.RevocationStore
	DeadLetters *deadletter.Handler
	Signals     domain.SignalBus

	ResultExpiry   time.Duration
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// New builds an executor from cfg.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Now:            time.Now,
		registry:       cfg.Registry,
		backend:        cfg.Backend,
		pipeline:       NewPipeline(cfg.Filters, logger),
		revocations:    cfg.Revocations,
		deadLetters:    cfg.DeadLetters,
		signals:        cfg.Signals,
		resultExpiry:   cfg.ResultExpiry,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         logger,
		tracer:         otel.Tracer("dotcelery/execution"),
	}
}

// Execute processes one delivery end to end. By the time it returns, the
// result backend reflects the outcome; the caller only settles the broker
// side. ctx is the delivery's cancellation scope: the worker cancels it
// with domain.ErrShutdown or domain.ErrRevoked as cause and Execute
// translates the cause into the outcome.
func (e *Executor) Execute(ctx context.Context, bm domain.BrokerMessage) Outcome {
	msg := bm.Message
	lg := e.logger.With(
		slog.String("task_id", msg.ID),
		slog.String("task", msg.Task),
		slog.String("queue", bm.Queue))

	ctx, span := e.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", msg.ID),
		attribute.String("task.name", msg.Task),
		attribute.String("queue", bm.Queue),
	))
	defer span.End()
	ctx = observability.ContextWithTaskID(observability.ContextWithLogger(ctx, lg), msg.ID)

	out := e.execute(ctx, msg, lg)
	span.SetAttributes(attribute.String("task.outcome", out.Kind.String()))
	return out
}

func (e *Executor) execute(ctx context.Context, msg domain.TaskMessage, lg *slog.Logger) Outcome {
	now := e.Now()

	// Revocation wins over everything, including expiry.
	if e.revocations != nil {
		revoked, err := e.revocations.IsRevoked(ctx, msg.ID)
		if err != nil {
			lg.Error("revocation check failed", slog.Any("error", err))
		} else if revoked {
			e.storeTerminal(ctx, domain.TaskResult{
				TaskID:      msg.ID,
				State:       domain.StateRevoked,
				Exception:   domain.ExceptionFromError(domain.ErrRevoked),
				CompletedAt: now.UTC(),
			}, msg, lg)
			lg.Info("task revoked before execution")
			return Outcome{Kind: OutcomeRevoked, Err: domain.ErrRevoked}
		}
	}

	if msg.Expired(now) {
		e.deadLetter(ctx, msg, domain.ReasonExpiredMessage, domain.ErrExpired)
		e.storeTerminal(ctx, domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateRejected,
			Exception:   domain.ExceptionFromError(domain.ErrExpired),
			CompletedAt: now.UTC(),
		}, msg, lg)
		lg.Warn("expired message dropped", slog.Time("expires", *msg.Expires))
		return Outcome{Kind: OutcomeRejected, Err: domain.ErrExpired}
	}

	reg, ok := e.registry.Resolve(msg.Task)
	if !ok {
		e.deadLetter(ctx, msg, domain.ReasonUnknownTask, domain.ErrUnknownTask)
		e.storeTerminal(ctx, domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateRejected,
			Exception:   domain.ExceptionFromError(domain.ErrUnknownTask),
			CompletedAt: now.UTC(),
		}, msg, lg)
		lg.Error("unknown task")
		return Outcome{Kind: OutcomeRejected, Err: domain.ErrUnknownTask}
	}

	tc := task.NewContext(msg, reg, e.backend, lg)

	entered, preErr := e.pipeline.RunExecuting(ctx, tc)
	if preErr != nil {
		tc.SetError(preErr)
		out := e.classify(ctx, msg, preErr, now, lg)
		e.pipeline.RunExecuted(ctx, tc, entered)
		return out
	}

	if res, skip := tc.SkipRequested(); skip {
		out := e.finishSkipped(ctx, msg, res, now, lg)
		e.pipeline.RunExecuted(ctx, tc, entered)
		return out
	}
	if delay, requeue := tc.RequeueRequested(); requeue {
		e.setState(ctx, msg.ID, domain.StateRequeued, nil, lg)
		e.pipeline.RunExecuted(ctx, tc, entered)
		lg.Info("delivery requeued by filter", slog.Duration("delay", delay))
		return Outcome{Kind: OutcomeRequeue, RequeueDelay: delay}
	}

	// Arguments must deserialize before the task counts as started; a
	// garbage payload never surfaces a Started state.
	if reg.Decode != nil {
		if err := reg.Decode(tc); err != nil {
			tc.SetError(err)
			out := e.classify(ctx, msg, err, now, lg)
			e.pipeline.RunExecuted(ctx, tc, entered)
			return out
		}
	}

	e.setState(ctx, msg.ID, domain.StateStarted, nil, lg)

	handlerCtx := ctx
	timeout := reg.Policy.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := e.Now()
	payload, err := e.invoke(handlerCtx, reg, tc, lg)
	duration := e.Now().Sub(started)

	if err != nil {
		tc.SetError(err)
		if e.pipeline.RunException(ctx, tc, entered, err) {
			// A filter owned the failure; the task completes as a
			// success without a payload.
			err = nil
			payload = nil
			lg.Info("failure handled by exception filter")
		}
	}

	var out Outcome
	if err == nil {
		e.storeTerminal(ctx, domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateSuccess,
			Result:      payload,
			CompletedAt: e.Now().UTC(),
			Duration:    duration,
		}, msg, lg)
		out = Outcome{Kind: OutcomeSuccess}
	} else {
		out = e.classify(ctx, msg, err, now, lg)
	}
	e.pipeline.RunExecuted(ctx, tc, entered)
	return out
}

// invoke runs the handler and converts panics into errors so one bad task
// cannot take the executor goroutine down.
func (e *Executor) invoke(ctx context.Context, reg *task.Registration, tc *task.Context, lg *slog.Logger) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error("handler panicked", slog.Any("panic", r))
			err = &panicError{value: r}
		}
	}()
	return reg.Handler(ctx, tc)
}

// finishSkipped persists the filter-supplied result for a skipped
// execution. A nil result becomes a plain synthesized success.
func (e *Executor) finishSkipped(ctx context.Context, msg domain.TaskMessage, res *domain.TaskResult, now time.Time, lg *slog.Logger) Outcome {
	final := domain.TaskResult{TaskID: msg.ID, State: domain.StateSuccess}
	if res != nil {
		final = *res
		final.TaskID = msg.ID
	}
	if final.CompletedAt.IsZero() {
		final.CompletedAt = now.UTC()
	}
	e.storeTerminal(ctx, final, msg, lg)
	lg.Info("execution skipped by filter", slog.String("state", string(final.State)))
	switch final.State {
	case domain.StateRevoked:
		return Outcome{Kind: OutcomeRevoked}
	case domain.StateRejected:
		return Outcome{Kind: OutcomeRejected}
	case domain.StateFailure:
		return Outcome{Kind: OutcomeFailure}
	default:
		return Outcome{Kind: OutcomeSuccess}
	}
}

// classify maps an execution error to its outcome, updating the result
// backend and dead-letter store on terminal paths.
func (e *Executor) classify(ctx context.Context, msg domain.TaskMessage, err error, now time.Time, lg *slog.Logger) Outcome {
	// Explicit retry request from the handler or a filter.
	if rr, ok := domain.Retryable(err); ok {
		if rr.DoNotIncrementRetries || msg.RetriesLeft() {
			e.setState(ctx, msg.ID, domain.StateRetry, map[string]string{
				"countdown": rr.Countdown.String(),
			}, lg)
			lg.Info("retry requested",
				slog.Duration("countdown", rr.Countdown),
				slog.Bool("counts", !rr.DoNotIncrementRetries),
				slog.Int("retries", msg.Retries))
			return Outcome{
				Kind:                  OutcomeRetry,
				RetryCountdown:        rr.Countdown,
				DoNotIncrementRetries: rr.DoNotIncrementRetries,
				Err:                   err,
			}
		}
		return e.failTerminal(ctx, msg, err, domain.ReasonMaxRetriesExceeded, lg)
	}

	// Cancellation: the cause set by the worker decides the outcome.
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, domain.ErrRevoked):
			e.storeTerminal(ctx, domain.TaskResult{
				TaskID:      msg.ID,
				State:       domain.StateRevoked,
				Exception:   domain.ExceptionFromError(cause),
				CompletedAt: e.Now().UTC(),
			}, msg, lg)
			lg.Info("task revoked in flight")
			return Outcome{Kind: OutcomeRevoked, Err: cause}
		case errors.Is(cause, domain.ErrShutdown):
			e.setState(ctx, msg.ID, domain.StateRequeued, nil, lg)
			lg.Info("delivery requeued for shutdown")
			return Outcome{Kind: OutcomeRequeue, Err: cause}
		}
		// Per-task timeout: falls through and is treated as a failure.
	}

	if errors.Is(err, domain.ErrDeserialization) {
		e.deadLetter(ctx, msg, domain.ReasonDeserializationFailed, err)
		e.storeTerminal(ctx, domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateFailure,
			Exception:   domain.ExceptionFromError(err),
			CompletedAt: e.Now().UTC(),
		}, msg, lg)
		lg.Error("argument deserialization failed", slog.Any("error", err))
		return Outcome{Kind: OutcomeFailure, Err: err}
	}

	if errors.Is(err, domain.ErrSecurityViolation) {
		e.storeTerminal(ctx, domain.TaskResult{
			TaskID:      msg.ID,
			State:       domain.StateRejected,
			Exception:   domain.ExceptionFromError(err),
			CompletedAt: e.Now().UTC(),
			Metadata:    map[string]string{"security_violation": "true"},
		}, msg, lg)
		lg.Error("security validation rejected message", slog.Any("error", err))
		return Outcome{Kind: OutcomeRejected, Err: err}
	}

	// Plain handler failure: retry while the budget lasts, then park.
	if msg.RetriesLeft() {
		e.setState(ctx, msg.ID, domain.StateRetry, map[string]string{
			"exception": err.Error(),
		}, lg)
		lg.Warn("handler failed, retrying",
			slog.Int("retries", msg.Retries),
			slog.Int("max_retries", msg.MaxRetries),
			slog.Any("error", err))
		return Outcome{Kind: OutcomeRetry, Err: err}
	}
	return e.failTerminal(ctx, msg, err, domain.ReasonMaxRetriesExceeded, lg)
}

func (e *Executor) failTerminal(ctx context.Context, msg domain.TaskMessage, err error, reason domain.DeadLetterReason, lg *slog.Logger) Outcome {
	e.deadLetter(ctx, msg, reason, err)
	e.storeTerminal(ctx, domain.TaskResult{
		TaskID:      msg.ID,
		State:       domain.StateFailure,
		Exception:   domain.ExceptionFromError(err),
		CompletedAt: e.Now().UTC(),
		Metadata:    map[string]string{"retries": "exhausted"},
	}, msg, lg)
	lg.Error("task failed terminally",
		slog.Int("retries", msg.Retries),
		slog.Any("error", err))
	return Outcome{Kind: OutcomeFailure, Err: err}
}

// storeTerminal writes the final result and emits the matching signal.
// Writes survive delivery-context cancellation: a shut-down worker must
// still record what happened.
func (e *Executor) storeTerminal(ctx context.Context, res domain.TaskResult, msg domain.TaskMessage, lg *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := e.backend.Store(ctx, res, e.resultExpiry); err != nil {
		lg.Error("result store failed", slog.Any("error", err), slog.String("state", string(res.State)))
	}
	if e.signals != nil {
		sig := domain.TaskSignal{
			TaskID:    res.TaskID,
			TaskName:  msg.Task,
			State:     res.State,
			Result:    res.Result,
			Exception: res.Exception,
			At:        e.Now().UTC(),
		}
		if err := e.signals.Publish(ctx, sig); err != nil {
			lg.Error("signal publish failed", slog.Any("error", err))
		}
	}
}

func (e *Executor) setState(ctx context.Context, taskID string, state domain.TaskState, meta map[string]string, lg *slog.Logger) {
	if err := e.backend.SetState(context.WithoutCancel(ctx), taskID, state, meta); err != nil {
		lg.Error("state update failed", slog.Any("error", err), slog.String("state", string(state)))
	}
}

func (e *Executor) deadLetter(ctx context.Context, msg domain.TaskMessage, reason domain.DeadLetterReason, cause error) {
	if e.deadLetters == nil {
		return
	}
	e.deadLetters.Handle(context.WithoutCancel(ctx), msg, reason, cause)
}

// panicError wraps a recovered handler panic as an error.
type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }
