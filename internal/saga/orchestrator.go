// Package saga coordinates durable multi-step workflows. Steps execute in
// ascending order; when a step fails, the completed steps compensate in
// strictly descending order. Progress survives restarts because every
// transition is persisted before the next task is published.
package saga

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
	"github.com/fairyhunter13/dotcelery/internal/observability"
)

// Publisher enqueues a task message. Satisfied by the client and by any
// broker, so sagas can publish through the outbox when one is configured.
type Publisher interface {
	Publish(ctx domain.Context, msg domain.TaskMessage) error
}

// Options tunes orchestrator behavior.
type Options struct {
	// AutoCompensateOnFailure starts compensation as soon as an execute
	// step fails. Off, a failed saga parks in the Failed state for an
	// operator to Retry or Cancel.
	AutoCompensateOnFailure bool
}

// Orchestrator drives sagas: it publishes step tasks and consumes terminal
// task signals to advance, complete, or compensate each saga.
type Orchestrator struct {
	// Now is the clock; replace in tests.
	Now func() time.Time

	store     domain.SagaStore
	publisher Publisher
	signals   domain.SignalBus
	opts      Options
	logger    *slog.Logger

	// mu serializes transitions; signals and operator calls may race on
	// the same saga.
	mu sync.Mutex
}

// New builds an orchestrator over the given store, publisher, and bus.
func New(store domain.SagaStore, publisher Publisher, signals domain.SignalBus, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Now:       time.Now,
		store:     store,
		publisher: publisher,
		signals:   signals,
		opts:      opts,
		logger:    logger,
	}
}

// Start transitions a Created saga to Executing and publishes its first
// step. A saga with no steps completes immediately.
func (o *Orchestrator) Start(ctx domain.Context, s *domain.Saga) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s.State != domain.SagaCreated {
		return fmt.Errorf("op=saga.Start: %w: saga %s is %s", domain.ErrConflict, s.ID, s.State)
	}
	now := o.Now().UTC()
	s.StartedAt = &now
	if len(s.Steps) == 0 {
		o.finish(s, domain.SagaCompleted)
		return o.save(ctx, s)
	}
	s.State = domain.SagaExecuting
	s.CurrentStep = 0
	if err := o.publishExecute(ctx, s, 0); err != nil {
		return err
	}
	return o.save(ctx, s)
}

// Run consumes terminal task signals until ctx is cancelled. Signals for
// tasks no saga owns are ignored; plain tasks share the same bus.
func (o *Orchestrator) Run(ctx domain.Context) error {
	events, err := o.signals.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("op=saga.Run: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-events:
			if !ok {
				return nil
			}
			if !sig.State.Terminal() {
				continue
			}
			if err := o.handleSignal(ctx, sig); err != nil {
				o.logger.Error("saga signal handling failed",
					slog.String("task_id", sig.TaskID),
					slog.String("state", string(sig.State)),
					slog.Any("error", err))
			}
		}
	}
}

// Cancel stops a saga. With completed steps in place it starts
// compensation; without, it marks the saga Cancelled outright.
func (o *Orchestrator) Cancel(ctx domain.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=saga.Cancel: %w", err)
	}
	if s.State.Terminal() || s.State == domain.SagaCompensating {
		return fmt.Errorf("op=saga.Cancel: %w: saga %s is %s", domain.ErrConflict, id, s.State)
	}
	if len(s.CompensationTargets()) > 0 {
		if err := o.beginCompensation(ctx, s, "cancelled"); err != nil {
			return err
		}
	} else {
		o.finish(s, domain.SagaCancelled)
	}
	return o.save(ctx, s)
}

// Retry re-runs the step that parked a Failed saga. The step resets to
// Pending and a fresh execute task is published.
func (o *Orchestrator) Retry(ctx domain.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=saga.Retry: %w", err)
	}
	if s.State != domain.SagaFailed {
		return fmt.Errorf("op=saga.Retry: %w: saga %s is %s", domain.ErrConflict, id, s.State)
	}
	i := s.CurrentStep
	if i < 0 || i >= len(s.Steps) {
		return fmt.Errorf("op=saga.Retry: %w: saga %s current step %d out of range", domain.ErrInternal, id, i)
	}
	s.Steps[i].State = domain.StepPending
	s.Steps[i].Error = ""
	s.State = domain.SagaExecuting
	s.FailureReason = ""
	s.CompletedAt = nil
	if err := o.publishExecute(ctx, s, i); err != nil {
		return err
	}
	return o.save(ctx, s)
}

func (o *Orchestrator) handleSignal(ctx domain.Context, sig domain.TaskSignal) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, err := o.store.FindByTaskID(ctx, sig.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=saga.handleSignal: %w", err)
	}
	if s.State.Terminal() {
		return nil
	}
	i, ok := s.StepByTaskID(sig.TaskID)
	if !ok {
		return nil
	}
	step := &s.Steps[i]

	if step.CompensateTaskID == sig.TaskID {
		o.onCompensateResult(s, step, sig)
		if err := o.continueCompensation(ctx, s); err != nil {
			return err
		}
		return o.save(ctx, s)
	}

	if sig.State == domain.StateSuccess {
		step.State = domain.StepCompleted
		step.Result = sig.Result
		if err := o.advance(ctx, s, i); err != nil {
			return err
		}
		return o.save(ctx, s)
	}

	// Failure, revocation, or rejection on the execute side.
	step.State = domain.StepFailed
	step.Error = signalError(sig)
	s.FailureReason = fmt.Sprintf("step %q %s: %s", step.Name, sig.State, step.Error)
	if o.opts.AutoCompensateOnFailure && len(s.CompensationTargets()) > 0 {
		if err := o.beginCompensation(ctx, s, s.FailureReason); err != nil {
			return err
		}
	} else {
		o.finish(s, domain.SagaFailed)
	}
	return o.save(ctx, s)
}

// advance moves past the completed step i: publish the next step or
// complete the saga when i was the last one.
func (o *Orchestrator) advance(ctx domain.Context, s *domain.Saga, i int) error {
	if s.State != domain.SagaExecuting {
		return nil
	}
	next := i + 1
	s.CurrentStep = next
	if next >= len(s.Steps) {
		o.finish(s, domain.SagaCompleted)
		return nil
	}
	return o.publishExecute(ctx, s, next)
}

func (o *Orchestrator) onCompensateResult(s *domain.Saga, step *domain.SagaStep, sig domain.TaskSignal) {
	if sig.State == domain.StateSuccess {
		step.State = domain.StepCompensated
		return
	}
	step.State = domain.StepCompensationFailed
	step.Error = signalError(sig)
	o.logger.Error("saga compensation step failed",
		slog.String("saga_id", s.ID),
		slog.String("step", step.Name),
		slog.String("error", step.Error))
}

// beginCompensation flips the saga to Compensating and publishes the
// highest-order eligible compensation.
func (o *Orchestrator) beginCompensation(ctx domain.Context, s *domain.Saga, reason string) error {
	s.State = domain.SagaCompensating
	if s.FailureReason == "" {
		s.FailureReason = reason
	}
	return o.continueCompensation(ctx, s)
}

// continueCompensation publishes the next eligible compensation, or closes
// the saga when none remain. A failed compensation never stops the rest.
func (o *Orchestrator) continueCompensation(ctx domain.Context, s *domain.Saga) error {
	targets := s.CompensationTargets()
	if len(targets) > 0 {
		return o.publishCompensate(ctx, s, targets[0])
	}
	state := domain.SagaCompensated
	for _, st := range s.Steps {
		if st.State == domain.StepCompensationFailed {
			state = domain.SagaCompensationFailed
			break
		}
	}
	o.finish(s, state)
	return nil
}

func (o *Orchestrator) publishExecute(ctx domain.Context, s *domain.Saga, i int) error {
	step := &s.Steps[i]
	msg := o.messageFor(step.Execute, s)
	if err := o.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("op=saga.publishExecute: step %q: %w", step.Name, err)
	}
	step.State = domain.StepExecuting
	step.ExecuteTaskID = msg.ID
	return nil
}

func (o *Orchestrator) publishCompensate(ctx domain.Context, s *domain.Saga, i int) error {
	step := &s.Steps[i]
	msg := o.messageFor(*step.Compensate, s)
	if err := o.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("op=saga.publishCompensate: step %q: %w", step.Name, err)
	}
	step.State = domain.StepCompensating
	step.CompensateTaskID = msg.ID
	return nil
}

func (o *Orchestrator) messageFor(sig domain.Signature, s *domain.Saga) domain.TaskMessage {
	ct := sig.ContentType
	if ct == "" {
		ct = "application/json"
	}
	msg := domain.NewTaskMessage(sig.Task, sig.Args, ct)
	if sig.Queue != "" {
		msg.Queue = sig.Queue
	}
	msg.Priority = sig.Priority
	if sig.MaxRetries != nil {
		msg.MaxRetries = *sig.MaxRetries
	}
	for k, v := range sig.Headers {
		msg = msg.WithHeader(k, v)
	}
	msg.CorrelationID = s.CorrelationID
	if msg.CorrelationID == "" {
		msg.CorrelationID = s.ID
	}
	return msg
}

// finish stamps a terminal state.
func (o *Orchestrator) finish(s *domain.Saga, state domain.SagaState) {
	s.State = state
	now := o.Now().UTC()
	s.CompletedAt = &now
	observability.ObserveSagaFinished(state)
	o.logger.Info("saga finished",
		slog.String("saga_id", s.ID),
		slog.String("name", s.Name),
		slog.String("state", string(state)))
}

func (o *Orchestrator) save(ctx domain.Context, s *domain.Saga) error {
	s.UpdatedAt = o.Now().UTC()
	if err := o.store.Save(ctx, s); err != nil {
		return fmt.Errorf("op=saga.save: %w", err)
	}
	return nil
}

func signalError(sig domain.TaskSignal) string {
	if sig.Exception != nil && sig.Exception.Message != "" {
		return sig.Exception.Message
	}
	return string(sig.State)
}
