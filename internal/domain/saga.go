package domain

import (
	"time"

	"github.com/google/uuid"
)

// SagaState is the lifecycle of a whole saga.
type SagaState string

const (
	// SagaCreated: built but not yet started.
	SagaCreated SagaState = "CREATED"
	// SagaExecuting: steps are executing in ascending order.
	SagaExecuting SagaState = "EXECUTING"
	// SagaCompleted: every step finished; terminal.
	SagaCompleted SagaState = "COMPLETED"
	// SagaCompensating: a step failed; completed steps are being undone.
	SagaCompensating SagaState = "COMPENSATING"
	// SagaCompensated: compensation finished cleanly; terminal.
	SagaCompensated SagaState = "COMPENSATED"
	// SagaFailed: a step failed and no compensation ran; terminal.
	SagaFailed SagaState = "FAILED"
	// SagaCompensationFailed: compensation finished but at least one
	// compensation task failed; terminal, needs operator attention.
	SagaCompensationFailed SagaState = "COMPENSATION_FAILED"
	// SagaCancelled: cancelled before any step completed; terminal.
	SagaCancelled SagaState = "CANCELLED"
)

// Terminal reports whether the saga reached a final state.
func (s SagaState) Terminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaFailed, SagaCompensationFailed, SagaCancelled:
		return true
	}
	return false
}

// StepState is the lifecycle of a single saga step.
type StepState string

const (
	StepPending            StepState = "PENDING"
	StepExecuting          StepState = "EXECUTING"
	StepCompleted          StepState = "COMPLETED"
	StepFailed             StepState = "FAILED"
	StepCompensating       StepState = "COMPENSATING"
	StepCompensated        StepState = "COMPENSATED"
	StepCompensationFailed StepState = "COMPENSATION_FAILED"
)

// SagaStep pairs a forward task with its optional compensation. Task IDs are
// recorded when each side is published so result signals can be routed back.
type SagaStep struct {
	ID               string     `json:"id"`
	Order            int        `json:"order"`
	Name             string     `json:"name"`
	Execute          Signature  `json:"execute"`
	Compensate       *Signature `json:"compensate,omitempty"`
	State            StepState  `json:"state"`
	ExecuteTaskID    string     `json:"execute_task_id,omitempty"`
	CompensateTaskID string     `json:"compensate_task_id,omitempty"`
	Result           []byte     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Saga is a durable multi-step workflow. Steps execute in ascending Order;
// on failure, completed steps compensate in strictly descending Order.
type Saga struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	State         SagaState  `json:"state"`
	Steps         []SagaStep `json:"steps"`
	CurrentStep   int        `json:"current_step"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewSaga builds a Created saga with all steps pending. Step order follows
// the slice order given; IDs are assigned here so steps are addressable
// before the saga is persisted.
func NewSaga(name string, steps []SagaStep) *Saga {
	now := time.Now().UTC()
	s := &Saga{
		ID:        uuid.NewString(),
		Name:      name,
		State:     SagaCreated,
		Steps:     make([]SagaStep, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	copy(s.Steps, steps)
	for i := range s.Steps {
		if s.Steps[i].ID == "" {
			s.Steps[i].ID = uuid.NewString()
		}
		s.Steps[i].Order = i
		s.Steps[i].State = StepPending
	}
	return s
}

// StepByTaskID finds the step that owns taskID on either its execute or
// compensate side. The second return is false when no step matches.
func (s *Saga) StepByTaskID(taskID string) (int, bool) {
	if taskID == "" {
		return -1, false
	}
	for i := range s.Steps {
		if s.Steps[i].ExecuteTaskID == taskID || s.Steps[i].CompensateTaskID == taskID {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy safe to mutate independently.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = make([]SagaStep, len(s.Steps))
	copy(out.Steps, s.Steps)
	for i := range out.Steps {
		if c := out.Steps[i].Compensate; c != nil {
			cc := *c
			out.Steps[i].Compensate = &cc
		}
	}
	if s.StartedAt != nil {
		at := *s.StartedAt
		out.StartedAt = &at
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		out.CompletedAt = &at
	}
	return &out
}

// Progress reports completed steps over total steps, in [0,1]. Compensated
// and failed steps do not count as progress.
func (s *Saga) Progress() float64 {
	if len(s.Steps) == 0 {
		return 0
	}
	done := 0
	for _, st := range s.Steps {
		if st.State == StepCompleted {
			done++
		}
	}
	return float64(done) / float64(len(s.Steps))
}

// CompensationTargets returns the indexes of completed steps that carry a
// compensation, in strictly descending Order. Steps that never completed
// (including the step that failed) are excluded.
func (s *Saga) CompensationTargets() []int {
	var idx []int
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		if st.State == StepCompleted && st.Compensate != nil {
			idx = append(idx, i)
		}
	}
	return idx
}
