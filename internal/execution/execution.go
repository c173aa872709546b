// Package execution defines the in-flight execution aggregate and its
// lifecycle statuses.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/orchestrator/internal/plan"
)

var (
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned when no execution has the given id.
	ErrNotFound = errors.New("execution not found")
)

// Status is the lifecycle status of an execution.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusExecuting            Status = "executing"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
	StatusRolledBack           Status = "rolled_back"
)

// transitions lists every allowed from -> to edge.
var transitions = map[Status][]Status{
	StatusPending:              {StatusAwaitingConfirmation, StatusFailed},
	StatusAwaitingConfirmation: {StatusExecuting, StatusCancelled},
	StatusExecuting:            {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:            {StatusRolledBack},
	StatusFailed:               {StatusRolledBack},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no forward progress is possible from s.
// completed and failed are terminal even though rollback may follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack:
		return true
	}
	return false
}

// StepStatus is the status of a single tool call.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// LogLevel is the severity of a tool log line.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogDebug LogLevel = "debug"
)

// LogEntry is one line emitted by a tool while it runs.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ToolCallResult records the outcome of one step.
type ToolCallResult struct {
	StepID      string      `json:"stepId"`
	ToolName    string      `json:"toolName"`
	Status      StepStatus  `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	Logs        []LogEntry  `json:"logs"`
}

// Clone returns a copy whose log slice is independent of r.
func (r ToolCallResult) Clone() ToolCallResult {
	cp := r
	cp.Logs = append([]LogEntry(nil), r.Logs...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Execution is the root aggregate for one plan run. Only the orchestrator
// mutates Status and Results.
type Execution struct {
	ID              string           `json:"id"`
	Prompt          string           `json:"prompt"`
	Status          Status           `json:"status"`
	Plan            *plan.Plan       `json:"plan,omitempty"`
	Results         []ToolCallResult `json:"results"`
	RollbackResults []ToolCallResult `json:"rollbackResults,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// New creates a pending execution.
func New(id, prompt string, now time.Time) *Execution {
	return &Execution{
		ID:        id,
		Prompt:    prompt,
		Status:    StatusPending,
		Results:   []ToolCallResult{},
		CreatedAt: now,
	}
}

// Transition moves the execution to a new status if the edge is allowed.
func (e *Execution) Transition(to Status) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, to)
	}
	e.Status = to
	return nil
}

// AttachPlan stores the plan and allocates one pending result slot per step.
func (e *Execution) AttachPlan(p *plan.Plan) {
	e.Plan = p
	e.Results = make([]ToolCallResult, len(p.Steps))
	for i, s := range p.Steps {
		e.Results[i] = ToolCallResult{
			StepID:   s.ID,
			ToolName: s.ToolName,
			Status:   StepPending,
			Logs:     []LogEntry{},
		}
	}
}

// Clone returns a deep copy safe to hand to readers. The plan is shared
// because plans are immutable.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Results = make([]ToolCallResult, len(e.Results))
	for i, r := range e.Results {
		cp.Results[i] = r.Clone()
	}
	if e.RollbackResults != nil {
		cp.RollbackResults = make([]ToolCallResult, len(e.RollbackResults))
		for i, r := range e.RollbackResults {
			cp.RollbackResults[i] = r.Clone()
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Count returns how many results have the given status.
func (e *Execution) Count(status StepStatus) int {
	n := 0
	for _, r := range e.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
