// Package orchestrator drives executions through their lifecycle: plan
// attachment, confirmation, sequential step execution, cancellation and
// rollback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/gate"
	"github.com/vinayprograms/orchestrator/internal/logging"
	"github.com/vinayprograms/orchestrator/internal/plan"
	"github.com/vinayprograms/orchestrator/internal/sandbox"
	"github.com/vinayprograms/orchestrator/internal/tools"
)

// ErrNotFound is returned for ids that are neither in flight nor recorded.
var ErrNotFound = execution.ErrNotFound

// ErrNoPlanner is returned by Propose when no plan is given and no planner is set.
var ErrNoPlanner = errors.New("no planner configured")

const (
	msgCancelled = "cancelled by user"
	msgDeclined  = "declined by user"
	msgAbandoned = "confirmation window closed"
)

// Recorder durably stores terminal executions.
type Recorder interface {
	Save(ctx context.Context, e *execution.Execution) error
	Load(ctx context.Context, id string) (*execution.Execution, error)
}

// Config wires the orchestrator's collaborators. Nil fields get defaults,
// except Planner and Recorder which stay unset.
type Config struct {
	Tools    *tools.Registry
	Sandbox  *sandbox.Runner
	Gate     *gate.Gate
	Bus      *events.Bus
	Planner  plan.Planner
	Recorder Recorder
	Logger   *logging.Logger
	Now      func() time.Time
	NewID    func() string
}

// entry is one execution held in memory. mu guards exec; only the
// execution's own task and the control methods write to it.
type entry struct {
	mu          sync.Mutex
	exec        *execution.Execution
	changed     chan struct{}
	cancel      atomic.Bool
	rollingBack bool
	startedAt   time.Time
}

// Orchestrator owns in-flight executions.
type Orchestrator struct {
	tools    *tools.Registry
	sandbox  *sandbox.Runner
	gate     *gate.Gate
	bus      *events.Bus
	planner  plan.Planner
	recorder Recorder
	logger   *logging.Logger
	now      func() time.Time
	newID    func() string

	mu    sync.RWMutex
	execs map[string]*entry

	tasks sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewBuiltinRegistry()
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.NewRunner(sandbox.DefaultLimits(), cfg.Logger)
	}
	if cfg.Gate == nil {
		cfg.Gate = gate.New(gate.WithLogger(cfg.Logger))
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{
		tools:    cfg.Tools,
		sandbox:  cfg.Sandbox,
		gate:     cfg.Gate,
		bus:      cfg.Bus,
		planner:  cfg.Planner,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.WithComponent("orchestrator"),
		now:      cfg.Now,
		newID:    cfg.NewID,
		execs:    make(map[string]*entry),
	}
}

// Bus returns the bus events are published on.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Gate returns the confirmation gate.
func (o *Orchestrator) Gate() *gate.Gate { return o.gate }

// Tools returns the tool registry.
func (o *Orchestrator) Tools() *tools.Registry { return o.tools }

// Create starts tracking a new pending execution.
func (o *Orchestrator) Create(ctx context.Context, prompt string) (*execution.Execution, error) {
	e := execution.New(o.newID(), prompt, o.now())
	en := &entry{exec: e, changed: make(chan struct{})}

	o.mu.Lock()
	if _, dup := o.execs[e.ID]; dup {
		o.mu.Unlock()
		return nil, fmt.Errorf("execution %s already exists", e.ID)
	}
	o.execs[e.ID] = en
	o.mu.Unlock()

	o.logger.ExecutionCreated(e.ID)
	en.mu.Lock()
	defer en.mu.Unlock()
	o.bus.Publish(events.StatusChanged(e.ID, e.Status, nil, ""))
	return e.Clone(), nil
}

// AttachPlan validates the plan, stores it and issues an intent token. The
// execution moves to awaiting_confirmation. A rejected plan leaves the
// execution pending.
func (o *Orchestrator) AttachPlan(ctx context.Context, id string, p *plan.Plan) (*execution.Execution, gate.IntentToken, error) {
	if p == nil {
		return nil, gate.IntentToken{}, fmt.Errorf("%w: no plan", plan.ErrInvalidPlan)
	}
	if err := p.Validate(); err != nil {
		return nil, gate.IntentToken{}, err
	}
	if err := o.tools.Check(p.ToolNames()); err != nil {
		return nil, gate.IntentToken{}, err
	}

	en, err := o.entry(id)
	if err != nil {
		return nil, gate.IntentToken{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	if !execution.CanTransition(en.exec.Status, execution.StatusAwaitingConfirmation) {
		return nil, gate.IntentToken{}, fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, en.exec.Status, execution.StatusAwaitingConfirmation)
	}
	tok, err := o.gate.IssueIntent(id, p)
	if err != nil {
		return nil, gate.IntentToken{}, err
	}
	en.exec.AttachPlan(p)
	o.transition(en, execution.StatusAwaitingConfirmation, nil)
	return en.exec.Clone(), tok, nil
}

// Propose creates an execution and attaches p, or a plan from the
// configured planner when p is nil. If no valid plan can be attached the
// execution fails and the snapshot is returned with the error.
func (o *Orchestrator) Propose(ctx context.Context, prompt string, p *plan.Plan) (*execution.Execution, gate.IntentToken, error) {
	e, err := o.Create(ctx, prompt)
	if err != nil {
		return nil, gate.IntentToken{}, err
	}

	if p == nil {
		if o.planner == nil {
			return o.failPlanning(e.ID, ErrNoPlanner)
		}
		p, err = o.planner.Plan(ctx, prompt)
		if err != nil {
			return o.failPlanning(e.ID, fmt.Errorf("planning failed: %w", err))
		}
	}

	snap, tok, err := o.AttachPlan(ctx, e.ID, p)
	if err != nil {
		return o.failPlanning(e.ID, err)
	}
	return snap, tok, nil
}

func (o *Orchestrator) failPlanning(id string, cause error) (*execution.Execution, gate.IntentToken, error) {
	en, err := o.entry(id)
	if err != nil {
		return nil, gate.IntentToken{}, cause
	}
	en.mu.Lock()
	en.exec.Error = cause.Error()
	o.transition(en, execution.StatusFailed, nil)
	snap := en.exec.Clone()
	en.mu.Unlock()

	o.finalize(context.Background(), en)
	return snap, gate.IntentToken{}, cause
}

// ReissueIntent replaces the intent token of an execution that is still
// awaiting confirmation, typically after the previous one expired.
func (o *Orchestrator) ReissueIntent(ctx context.Context, id string) (*execution.Execution, gate.IntentToken, error) {
	en, err := o.entry(id)
	if err != nil {
		return nil, gate.IntentToken{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.exec.Status != execution.StatusAwaitingConfirmation {
		return nil, gate.IntentToken{}, fmt.Errorf("%w: %s has no pending confirmation", execution.ErrInvalidTransition, en.exec.Status)
	}
	tok, err := o.gate.IssueIntent(id, en.exec.Plan)
	if err != nil {
		return nil, gate.IntentToken{}, err
	}
	o.logger.Info("intent token reissued", map[string]interface{}{
		"execution":  id,
		"expires_at": tok.ExpiresAt.Format(time.RFC3339),
	})
	return en.exec.Clone(), tok, nil
}

// Confirm validates the intent token (and phrase for HIGH risk) and starts
// the execution on its own goroutine. Gate errors leave the execution
// awaiting confirmation.
func (o *Orchestrator) Confirm(ctx context.Context, id, token, phrase string) error {
	en, err := o.entry(id)
	if err != nil {
		return err
	}
	en.mu.Lock()
	if en.exec.Status != execution.StatusAwaitingConfirmation {
		status := en.exec.Status
		en.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, status, execution.StatusExecuting)
	}
	if err := o.gate.Validate(id, token, phrase); err != nil {
		en.mu.Unlock()
		return err
	}
	en.startedAt = o.now()
	o.transition(en, execution.StatusExecuting, &events.Progress{CurrentStep: 0, TotalSteps: len(en.exec.Plan.Steps)})
	en.mu.Unlock()

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		o.run(context.WithoutCancel(ctx), en)
	}()
	return nil
}

// Decline cancels an execution that is awaiting confirmation.
func (o *Orchestrator) Decline(ctx context.Context, id string) error {
	en, err := o.entry(id)
	if err != nil {
		return err
	}
	en.mu.Lock()
	if en.exec.Status != execution.StatusAwaitingConfirmation {
		status := en.exec.Status
		en.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, status, execution.StatusCancelled)
	}
	o.cancelAwaiting(en, msgDeclined)
	en.mu.Unlock()
	o.finalize(ctx, en)
	return nil
}

// Cancel stops an execution. While awaiting confirmation it behaves like
// Decline. While executing, the request takes effect before the next step
// starts; the running step is not interrupted.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	en, err := o.entry(id)
	if err != nil {
		return err
	}
	en.mu.Lock()
	switch en.exec.Status {
	case execution.StatusAwaitingConfirmation:
		o.cancelAwaiting(en, msgCancelled)
		en.mu.Unlock()
		o.finalize(ctx, en)
		return nil
	case execution.StatusExecuting:
		en.cancel.Store(true)
		en.mu.Unlock()
		o.logger.Info("cancel requested", map[string]interface{}{"execution": id})
		return nil
	}
	status := en.exec.Status
	en.mu.Unlock()
	return fmt.Errorf("%w: %s -> %s", execution.ErrInvalidTransition, status, execution.StatusCancelled)
}

// cancelAwaiting must be called with en.mu held.
func (o *Orchestrator) cancelAwaiting(en *entry, msg string) {
	o.gate.Revoke(en.exec.ID)
	en.exec.Error = msg
	o.transition(en, execution.StatusCancelled, nil)
}

// SweepIntents drops intent tokens past their retention period and cancels
// the proposals they belonged to, so abandoned executions do not stay in
// memory. It returns the ids of the executions cancelled.
func (o *Orchestrator) SweepIntents(ctx context.Context) []string {
	var cancelled []string
	for _, id := range o.gate.Sweep() {
		en, err := o.entry(id)
		if err != nil {
			continue
		}
		en.mu.Lock()
		if en.exec.Status != execution.StatusAwaitingConfirmation {
			en.mu.Unlock()
			continue
		}
		o.cancelAwaiting(en, msgAbandoned)
		en.mu.Unlock()
		o.finalize(ctx, en)
		cancelled = append(cancelled, id)
	}
	if len(cancelled) > 0 {
		o.logger.Info("abandoned proposals cancelled", map[string]interface{}{"executions": cancelled})
	}
	return cancelled
}

// SweepEvery calls SweepIntents on every tick until ctx is done.
func (o *Orchestrator) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepIntents(context.WithoutCancel(ctx))
		}
	}
}

// Get returns a snapshot of an in-flight execution or, failing that, the
// recorded one.
func (o *Orchestrator) Get(ctx context.Context, id string) (*execution.Execution, error) {
	o.mu.RLock()
	en, ok := o.execs[id]
	o.mu.RUnlock()
	if ok {
		en.mu.Lock()
		defer en.mu.Unlock()
		return en.exec.Clone(), nil
	}
	return o.load(ctx, id)
}

// List returns snapshots of all executions held in memory, oldest first.
func (o *Orchestrator) List() []*execution.Execution {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.execs))
	for _, en := range o.execs {
		entries = append(entries, en)
	}
	o.mu.RUnlock()

	out := make([]*execution.Execution, 0, len(entries))
	for _, en := range entries {
		en.mu.Lock()
		out = append(out, en.exec.Clone())
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the execution is terminal and no rollback is running,
// then returns its snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*execution.Execution, error) {
	o.mu.RLock()
	en, ok := o.execs[id]
	o.mu.RUnlock()
	if !ok {
		return o.load(ctx, id)
	}
	for {
		en.mu.Lock()
		if en.exec.Status.Terminal() && !en.rollingBack {
			snap := en.exec.Clone()
			en.mu.Unlock()
			return snap, nil
		}
		ch := en.changed
		en.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Shutdown waits for running executions to finish or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) entry(id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	en, ok := o.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return en, nil
}

func (o *Orchestrator) load(ctx context.Context, id string) (*execution.Execution, error) {
	if o.recorder == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e, err := o.recorder.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// transition changes status and publishes the change. Must be called with
// en.mu held so that concurrent readers never see a status the bus has not
// been told about in a different order.
func (o *Orchestrator) transition(en *entry, to execution.Status, progress *events.Progress) {
	from := en.exec.Status
	if err := en.exec.Transition(to); err != nil {
		o.logger.Error("transition rejected", map[string]interface{}{
			"execution": en.exec.ID,
			"error":     err.Error(),
		})
		return
	}
	if to.Terminal() {
		now := o.now()
		en.exec.CompletedAt = &now
	}
	o.logger.Transition(en.exec.ID, string(from), string(to))
	o.bus.Publish(events.StatusChanged(en.exec.ID, to, progress, en.exec.Error))
	close(en.changed)
	en.changed = make(chan struct{})
}

// finalize records a terminal execution and, once recorded, evicts it.
// Without a recorder executions stay in memory.
func (o *Orchestrator) finalize(ctx context.Context, en *entry) {
	en.mu.Lock()
	snap := en.exec.Clone()
	started := en.startedAt
	en.mu.Unlock()

	dur := time.Duration(0)
	if !started.IsZero() && snap.CompletedAt != nil {
		dur = snap.CompletedAt.Sub(started)
	}
	o.logger.ExecutionComplete(snap.ID, dur, string(snap.Status), snap.Error)

	if o.recorder == nil {
		return
	}
	if err := o.recorder.Save(ctx, snap); err != nil {
		o.logger.Error("failed to record execution", map[string]interface{}{
			"execution": snap.ID,
			"error":     err.Error(),
		})
		return
	}
	o.mu.Lock()
	if cur, ok := o.execs[snap.ID]; ok && cur == en {
		delete(o.execs, snap.ID)
	}
	o.mu.Unlock()
}
