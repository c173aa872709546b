package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/plan"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusAwaitingConfirmation},
		{StatusAwaitingConfirmation, StatusExecuting},
		{StatusAwaitingConfirmation, StatusCancelled},
		{StatusExecuting, StatusCompleted},
		{StatusExecuting, StatusFailed},
		{StatusExecuting, StatusCancelled},
		{StatusCompleted, StatusRolledBack},
		{StatusFailed, StatusRolledBack},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be allowed", e[0], e[1])
		}
	}

	denied := [][2]Status{
		{StatusPending, StatusExecuting},
		{StatusAwaitingConfirmation, StatusCompleted},
		{StatusCancelled, StatusRolledBack},
		{StatusRolledBack, StatusExecuting},
		{StatusCompleted, StatusExecuting},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be denied", e[0], e[1])
		}
	}
}

func TestExecution_Transition(t *testing.T) {
	e := New("x", "prompt", time.Now())
	if err := e.Transition(StatusExecuting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("status changed on rejected transition: %s", e.Status)
	}
	if err := e.Transition(StatusAwaitingConfirmation); err != nil {
		t.Fatalf("transition: %v", err)
	}
}

func TestExecution_AttachPlanAndClone(t *testing.T) {
	p, err := plan.New("s", "", "", []plan.Step{
		{ID: "a", Order: 0, ToolName: "echo"},
		{ID: "b", Order: 1, ToolName: "echo"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	e := New("x", "prompt", time.Now())
	e.AttachPlan(p)
	if len(e.Results) != 2 || e.Results[1].StepID != "b" || e.Results[1].Status != StepPending {
		t.Fatalf("unexpected result slots: %+v", e.Results)
	}

	cp := e.Clone()
	cp.Results[0].Status = StepSuccess
	cp.Results[0].Logs = append(cp.Results[0].Logs, LogEntry{Message: "hi"})
	if e.Results[0].Status != StepPending || len(e.Results[0].Logs) != 0 {
		t.Error("clone shares state with original")
	}
	if e.Count(StepPending) != 2 || cp.Count(StepSuccess) != 1 {
		t.Error("Count mismatch")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusAwaitingConfirmation, StatusExecuting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
