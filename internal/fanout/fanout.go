// Package fanout tracks live observers and the executions they watch, and
// turns bus events into wire frames for the observers that asked for them.
package fanout

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/events"
	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/logging"
)

// ErrUnknownObserver is returned when subscribing an observer that was never added.
var ErrUnknownObserver = errors.New("unknown observer")

// FrameType is the wire name of a server frame.
type FrameType string

const (
	FrameExecutionUpdate FrameType = "execution_update"
	FrameLogEntry        FrameType = "log_entry"
	FrameUIMessage       FrameType = "ui_message"
	FrameStepUpdate      FrameType = "step_update"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameError           FrameType = "error"
)

// Frame is what observers receive.
type Frame struct {
	Type      FrameType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// ExecutionUpdate is the payload of an execution_update frame.
type ExecutionUpdate struct {
	ExecutionID string           `json:"executionId"`
	Status      execution.Status `json:"status"`
	Progress    *events.Progress `json:"progress,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// LogEntry is the payload of a log_entry frame.
type LogEntry struct {
	ExecutionID string             `json:"executionId"`
	StepID      string             `json:"stepId,omitempty"`
	Entry       execution.LogEntry `json:"entry"`
}

// UIMessage is the payload of a ui_message frame.
type UIMessage struct {
	ExecutionID string      `json:"executionId"`
	StepID      string      `json:"stepId,omitempty"`
	Message     interface{} `json:"message"`
}

// StepUpdate is the payload of a step_update frame.
type StepUpdate struct {
	ExecutionID string                   `json:"executionId"`
	StepID      string                   `json:"stepId"`
	Result      execution.ToolCallResult `json:"result"`
	Rollback    bool                     `json:"rollback,omitempty"`
}

// FrameFor converts a bus event to its wire frame.
func FrameFor(ev events.Event) (Frame, bool) {
	f := Frame{Timestamp: ev.Timestamp}
	switch ev.Kind {
	case events.KindStatusChange:
		f.Type = FrameExecutionUpdate
		f.Payload = ExecutionUpdate{ExecutionID: ev.ExecutionID, Status: ev.Status, Progress: ev.Progress, Error: ev.Error}
	case events.KindLogLine:
		if ev.Log == nil {
			return Frame{}, false
		}
		f.Type = FrameLogEntry
		f.Payload = LogEntry{ExecutionID: ev.ExecutionID, StepID: ev.StepID, Entry: *ev.Log}
	case events.KindUIMessage:
		f.Type = FrameUIMessage
		f.Payload = UIMessage{ExecutionID: ev.ExecutionID, StepID: ev.StepID, Message: ev.UI}
	case events.KindStepResult:
		if ev.Result == nil {
			return Frame{}, false
		}
		f.Type = FrameStepUpdate
		f.Payload = StepUpdate{ExecutionID: ev.ExecutionID, StepID: ev.StepID, Result: *ev.Result, Rollback: ev.Rollback}
	default:
		return Frame{}, false
	}
	return f, true
}

// Sender delivers frames over one observer's transport.
type Sender interface {
	Send(Frame) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Frame) error

// Send calls f.
func (f SenderFunc) Send(fr Frame) error { return f(fr) }

// DefaultQueueSize bounds the frames waiting for one observer.
const DefaultQueueSize = 256

// ErrQueueFull is reported when a frame is dropped for a saturated observer.
var ErrQueueFull = errors.New("observer queue full")

type queued struct {
	executionID string
	frame       Frame
}

// observer owns a bounded queue drained by its own writer goroutine, so a
// slow transport only delays itself.
type observer struct {
	id     string
	sender Sender
	queue  chan queued
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize sets the per-observer queue bound.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// Registry maps observers to the executions they follow. It never touches
// executions themselves.
type Registry struct {
	mu        sync.RWMutex
	observers map[string]*observer
	byObs     map[string]map[string]struct{}
	byExec    map[string]map[string]struct{}
	queueSize int
	closed    bool
	writers   sync.WaitGroup
	logger    *logging.Logger
}

// NewRegistry creates an empty registry. A nil logger logs to stdout.
func NewRegistry(logger *logging.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.New()
	}
	r := &Registry{
		observers: make(map[string]*observer),
		byObs:     make(map[string]map[string]struct{}),
		byExec:    make(map[string]map[string]struct{}),
		queueSize: DefaultQueueSize,
		logger:    logger.WithComponent("fanout"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddObserver registers a transport. Re-adding an id replaces its sender and
// keeps its subscriptions; frames still queued for the old sender are
// written to it before its writer exits.
func (r *Registry) AddObserver(observerID string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.observers[observerID]; ok {
		close(old.queue)
	}
	o := &observer{id: observerID, sender: s, queue: make(chan queued, r.queueSize)}
	r.observers[observerID] = o
	if r.byObs[observerID] == nil {
		r.byObs[observerID] = make(map[string]struct{})
	}
	r.writers.Add(1)
	go r.write(o)
}

func (r *Registry) write(o *observer) {
	defer r.writers.Done()
	for q := range o.queue {
		if err := o.sender.Send(q.frame); err != nil {
			r.logger.DeliveryDropped(o.id, q.executionID, string(q.frame.Type), err)
		}
	}
}

// enqueue must be called with r.mu held (read or write).
func (r *Registry) enqueue(o *observer, executionID string, f Frame) error {
	select {
	case o.queue <- queued{executionID: executionID, frame: f}:
		return nil
	default:
		r.logger.DeliveryDropped(o.id, executionID, string(f.Type), ErrQueueFull)
		return ErrQueueFull
	}
}

// Subscribe starts delivering events of executionID to observerID.
func (r *Registry) Subscribe(observerID, executionID string) error {
	return r.SubscribeWithSnapshot(observerID, executionID, nil)
}

// SubscribeWithSnapshot subscribes and queues the frame returned by snapshot
// ahead of any event delivered afterwards. snapshot runs while deliveries
// are held off, so a state read inside it is never older than the events
// that follow it on the observer's queue.
func (r *Registry) SubscribeWithSnapshot(observerID, executionID string, snapshot func() (Frame, bool)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.observers[observerID]
	if !ok {
		return ErrUnknownObserver
	}
	r.byObs[observerID][executionID] = struct{}{}
	obs := r.byExec[executionID]
	if obs == nil {
		obs = make(map[string]struct{})
		r.byExec[executionID] = obs
	}
	obs[observerID] = struct{}{}

	if snapshot != nil {
		if f, ok := snapshot(); ok {
			r.enqueue(o, executionID, f)
		}
	}
	return nil
}

// Send queues a frame for one observer outside any subscription (heartbeat
// replies, errors). It shares the observer's queue so frames stay ordered.
func (r *Registry) Send(observerID string, f Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.observers[observerID]
	if !ok {
		return ErrUnknownObserver
	}
	return r.enqueue(o, "", f)
}

// Unsubscribe stops delivery of one execution to one observer.
func (r *Registry) Unsubscribe(observerID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.byObs[observerID]; subs != nil {
		delete(subs, executionID)
	}
	r.dropIndex(observerID, executionID)
}

// RemoveObserver drops the observer and all its subscriptions. Frames already
// queued are still handed to its sender.
func (r *Registry) RemoveObserver(observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for execID := range r.byObs[observerID] {
		r.dropIndex(observerID, execID)
	}
	delete(r.byObs, observerID)
	if o, ok := r.observers[observerID]; ok {
		close(o.queue)
		delete(r.observers, observerID)
	}
}

func (r *Registry) dropIndex(observerID, executionID string) {
	obs := r.byExec[executionID]
	if obs == nil {
		return
	}
	delete(obs, observerID)
	if len(obs) == 0 {
		delete(r.byExec, executionID)
	}
}

// Subscribers returns the sorted ids of observers following executionID.
func (r *Registry) Subscribers(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byExec[executionID]))
	for id := range r.byExec[executionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Observers returns how many observers are connected.
func (r *Registry) Observers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Deliver queues ev for every observer subscribed to its execution. It never
// waits on a transport: a full queue drops the frame with a warning.
func (r *Registry) Deliver(ev events.Event) {
	frame, ok := FrameFor(ev)
	if !ok {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byExec[ev.ExecutionID] {
		if o, ok := r.observers[id]; ok {
			r.enqueue(o, ev.ExecutionID, frame)
		}
	}
}

// Attach subscribes Deliver to the bus and returns the unsubscribe func.
func (r *Registry) Attach(bus *events.Bus) func() {
	return bus.Subscribe("fanout", r.Deliver)
}

// Close removes every observer and waits until their queued frames have been
// handed to their senders.
func (r *Registry) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for id, o := range r.observers {
			close(o.queue)
			delete(r.observers, id)
		}
		r.byObs = make(map[string]map[string]struct{})
		r.byExec = make(map[string]map[string]struct{})
	}
	r.mu.Unlock()
	r.writers.Wait()
}
