package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

// run executes the plan's steps in order. It is the only writer of the
// execution while it is executing.
func (o *Orchestrator) run(ctx context.Context, en *entry) {
	en.mu.Lock()
	id := en.exec.ID
	p := en.exec.Plan
	en.mu.Unlock()

	ctx, span := o.startExecutionSpan(ctx, id, p)
	total := len(p.Steps)

	for i, step := range p.Steps {
		if en.cancel.Load() {
			o.finish(en, i, execution.StatusCancelled, msgCancelled, total)
			o.endSpan(span, string(execution.StatusCancelled), nil)
			o.finalize(ctx, en)
			return
		}

		if err := o.runStep(ctx, en, i, step.ToolName, step.ID, step.Parameters, false); err != nil {
			msg := fmt.Sprintf("step %s (%s) failed: %s", step.ID, step.ToolName, err.Error())
			o.finish(en, i+1, execution.StatusFailed, msg, total)
			o.endSpan(span, string(execution.StatusFailed), err)
			o.finalize(ctx, en)
			return
		}

		if i+1 < total {
			en.mu.Lock()
			o.bus.Publish(events.StatusChanged(id, execution.StatusExecuting, &events.Progress{CurrentStep: i + 1, TotalSteps: total}, ""))
			en.mu.Unlock()
		}
	}

	o.finish(en, total, execution.StatusCompleted, "", total)
	o.endSpan(span, string(execution.StatusCompleted), nil)
	o.finalize(ctx, en)
}

// finish marks every result from index skipFrom on as skipped, publishing
// each, then moves the execution to its terminal status.
func (o *Orchestrator) finish(en *entry, skipFrom int, status execution.Status, errMsg string, total int) {
	en.mu.Lock()
	defer en.mu.Unlock()
	for j := skipFrom; j < len(en.exec.Results); j++ {
		r := &en.exec.Results[j]
		if r.Status != execution.StepPending {
			continue
		}
		r.Status = execution.StepSkipped
		o.bus.Publish(events.StepResult(en.exec.ID, *r, false))
	}
	en.exec.Error = errMsg
	done := skipFrom
	if done > total {
		done = total
	}
	o.transition(en, status, &events.Progress{CurrentStep: done, TotalSteps: total})
}

// runStep invokes one tool through the sandbox, recording the outcome in
// the forward or rollback result slot at index i.
func (o *Orchestrator) runStep(ctx context.Context, en *entry, i int, toolName, stepID string, params map[string]interface{}, rollback bool) error {
	en.mu.Lock()
	id := en.exec.ID
	start := o.now()
	r := en.result(i, rollback)
	r.Status = execution.StepRunning
	r.StartedAt = &start
	o.bus.Publish(events.StepResult(id, *r, rollback))
	en.mu.Unlock()

	ctx, span := o.startStepSpan(ctx, id, stepID, toolName, rollback)
	o.logger.StepStart(id, stepID, toolName)

	em := &stepEmitter{o: o, en: en, index: i, rollback: rollback, stepID: stepID}
	value, err := o.invoke(ctx, id, toolName, stepID, params, em)

	en.mu.Lock()
	end := o.now()
	r = en.result(i, rollback)
	r.CompletedAt = &end
	if err != nil {
		r.Status = execution.StepFailed
		r.Error = err.Error()
	} else {
		r.Status = execution.StepSuccess
		r.Result = value
	}
	o.bus.Publish(events.StepResult(id, *r, rollback))
	en.mu.Unlock()

	o.logger.StepResult(id, stepID, toolName, end.Sub(start), err)
	o.endSpan(span, stepStatus(err), err)
	return err
}

func (o *Orchestrator) invoke(ctx context.Context, execID, toolName, stepID string, params map[string]interface{}, em *stepEmitter) (interface{}, error) {
	tool, err := o.tools.Lookup(toolName)
	if err != nil {
		return nil, err
	}
	return o.sandbox.Run(ctx, toolName, func(ctx context.Context) (interface{}, error) {
		res := tool.Invoke(ctx, tools.Call{
			ID:         execID + "/" + stepID,
			Parameters: params,
			Emit:       em,
		})
		em.adopt(res.Logs)
		if err := res.Err(); err != nil {
			return nil, err
		}
		return res.Data, nil
	})
}

// Rollback runs every rollback step of a completed or failed execution
// concurrently, then marks it rolled_back whatever the individual outcomes.
// Executions already evicted are reloaded from the recorder first.
func (o *Orchestrator) Rollback(ctx context.Context, id string) error {
	en, err := o.rollbackEntry(ctx, id)
	if err != nil {
		return err
	}

	en.mu.Lock()
	status := en.exec.Status
	if !execution.CanTransition(status, execution.StatusRolledBack) || en.rollingBack {
		en.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, status, execution.StatusRolledBack)
	}
	var steps []plan.RollbackStep
	if en.exec.Plan != nil {
		steps = en.exec.Plan.Rollback
	}
	en.rollingBack = true
	en.exec.RollbackResults = make([]execution.ToolCallResult, len(steps))
	for j, s := range steps {
		en.exec.RollbackResults[j] = execution.ToolCallResult{
			StepID:   s.ID,
			ToolName: s.ToolName,
			Status:   execution.StepPending,
			Logs:     []execution.LogEntry{},
		}
	}
	en.mu.Unlock()

	o.logger.Info("rollback started", map[string]interface{}{
		"execution": id,
		"steps":     len(steps),
	})
	runCtx, span := o.startRollbackSpan(context.WithoutCancel(ctx), id, len(steps))

	var wg sync.WaitGroup
	for j, s := range steps {
		wg.Add(1)
		go func(j int, s plan.RollbackStep) {
			defer wg.Done()
			o.runStep(runCtx, en, j, s.ToolName, s.ID, s.Parameters, true)
		}(j, s)
	}
	wg.Wait()

	en.mu.Lock()
	en.rollingBack = false
	failed := 0
	for _, r := range en.exec.RollbackResults {
		if r.Status == execution.StepFailed {
			failed++
		}
	}
	o.transition(en, execution.StatusRolledBack, nil)
	en.mu.Unlock()

	o.endSpan(span, string(execution.StatusRolledBack), nil)
	if failed > 0 {
		o.logger.Warn("rollback finished with failures", map[string]interface{}{
			"execution": id,
			"failed":    failed,
		})
	}
	o.finalize(runCtx, en)
	return nil
}

// rollbackEntry finds the in-memory entry or reinstates a recorded one.
func (o *Orchestrator) rollbackEntry(ctx context.Context, id string) (*entry, error) {
	if en, err := o.entry(id); err == nil {
		return en, nil
	}
	e, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if en, ok := o.execs[id]; ok {
		return en, nil
	}
	en := &entry{exec: e, changed: make(chan struct{})}
	o.execs[id] = en
	return en, nil
}

// result must be called with en.mu held.
func (en *entry) result(i int, rollback bool) *execution.ToolCallResult {
	if rollback {
		return &en.exec.RollbackResults[i]
	}
	return &en.exec.Results[i]
}

func stepStatus(err error) string {
	if err != nil {
		return string(execution.StepFailed)
	}
	return string(execution.StepSuccess)
}

// stepEmitter publishes a running step's log lines and UI messages as they
// happen. Output arriving after the step has finished is dropped.
type stepEmitter struct {
	o        *Orchestrator
	en       *entry
	index    int
	rollback bool
	stepID   string
	streamed int
}

func (s *stepEmitter) Log(entry execution.LogEntry) {
	s.en.mu.Lock()
	defer s.en.mu.Unlock()
	s.streamed++
	s.appendLocked(entry)
}

func (s *stepEmitter) UI(payload interface{}) {
	s.en.mu.Lock()
	defer s.en.mu.Unlock()
	if s.en.result(s.index, s.rollback).Status != execution.StepRunning {
		return
	}
	s.o.bus.Publish(events.UIMessage(s.en.exec.ID, s.stepID, payload))
}

// adopt records logs returned with the result when the tool streamed none.
func (s *stepEmitter) adopt(logs []execution.LogEntry) {
	s.en.mu.Lock()
	defer s.en.mu.Unlock()
	if s.streamed > 0 {
		return
	}
	for _, l := range logs {
		s.appendLocked(l)
	}
}

func (s *stepEmitter) appendLocked(entry execution.LogEntry) {
	r := s.en.result(s.index, s.rollback)
	if r.Status != execution.StepRunning {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = execution.LogInfo
	}
	r.Logs = append(r.Logs, entry)
	s.o.bus.Publish(events.LogLine(s.en.exec.ID, s.stepID, entry))
}
