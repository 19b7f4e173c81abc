package domain

import (
	"testing"
)

func sigFor(task string) Signature {
	return Signature{Task: task, ContentType: "application/json"}
}

func TestNewSagaStartsRunningWithPendingSteps(t *testing.T) {
	comp := sigFor("orders.cancel")
	s := NewSaga("order-flow", []SagaStep{
		{Name: "reserve", Execute: sigFor("orders.reserve"), Compensate: &comp},
		{Name: "charge", Execute: sigFor("payments.charge")},
	})

	if s.ID == "" {
		t.Fatal("expected generated saga ID")
	}
	if s.State != SagaExecuting {
		t.Errorf("expected state %s, got %s", SagaExecuting, s.State)
	}
	for i, st := range s.Steps {
		if st.State != StepPending {
			t.Errorf("step %d: expected %s, got %s", i, StepPending, st.State)
		}
	}
	if s.CurrentStep != 0 {
		t.Errorf("expected current step 0, got %d", s.CurrentStep)
	}
}

func TestSagaStepByTaskID(t *testing.T) {
	s := NewSaga("flow", []SagaStep{
		{Name: "a", Execute: sigFor("t.a")},
		{Name: "b", Execute: sigFor("t.b")},
	})
	s.Steps[0].ExecuteTaskID = "task-a"
	s.Steps[1].ExecuteTaskID = "task-b"
	s.Steps[1].CompensateTaskID = "task-b-undo"

	if i, ok := s.StepByTaskID("task-b"); !ok || i != 1 {
		t.Errorf("expected step 1 for task-b, got %d ok=%v", i, ok)
	}
	if i, ok := s.StepByTaskID("task-b-undo"); !ok || i != 1 {
		t.Errorf("expected step 1 for compensation task, got %d ok=%v", i, ok)
	}
	if _, ok := s.StepByTaskID("unknown"); ok {
		t.Error("unknown task ID must not match any step")
	}
	// An empty compensate ID must never match other steps' empty IDs.
	if _, ok := s.StepByTaskID(""); ok {
		t.Error("empty task ID must not match")
	}
}

func TestSagaCompensationTargetsDescendingCompletedOnly(t *testing.T) {
	undo := sigFor("undo")
	s := NewSaga("flow", []SagaStep{
		{Name: "s0", Execute: sigFor("t0"), Compensate: &undo},
		{Name: "s1", Execute: sigFor("t1")}, // no compensation
		{Name: "s2", Execute: sigFor("t2"), Compensate: &undo},
		{Name: "s3", Execute: sigFor("t3"), Compensate: &undo},
	})
	s.Steps[0].State = StepCompleted
	s.Steps[1].State = StepCompleted
	s.Steps[2].State = StepCompleted
	s.Steps[3].State = StepFailed // the failing step never compensates

	targets := s.CompensationTargets()

	want := []int{2, 0}
	if len(targets) != len(want) {
		t.Fatalf("expected targets %v, got %v", want, targets)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Fatalf("expected targets %v, got %v", want, targets)
		}
	}
}

func TestSagaStateTerminal(t *testing.T) {
	terminal := []SagaState{SagaCompleted, SagaCompensated, SagaFailed}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s should be terminal", st)
		}
	}
	for _, st := range []SagaState{SagaExecuting, SagaCompensating} {
		if st.Terminal() {
			t.Errorf("%s should not be terminal", st)
		}
	}
}
