// Package events is the in-process event bus that carries execution
// lifecycle, log, UI and step-result events to any number of consumers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/logging"
)

// Kind identifies the shape of an event.
type Kind string

const (
	KindStatusChange Kind = "status_change"
	KindLogLine      Kind = "log_line"
	KindUIMessage    Kind = "ui_message"
	KindStepResult   Kind = "step_result"
)

// Progress reports how far an execution has got.
type Progress struct {
	CurrentStep int `json:"currentStep"`
	TotalSteps  int `json:"totalSteps"`
}

// Event is a single bus message. Which optional fields are set depends on Kind.
type Event struct {
	Kind        Kind      `json:"kind"`
	ExecutionID string    `json:"executionId"`
	Timestamp   time.Time `json:"timestamp"`

	// status_change
	Status   execution.Status `json:"status,omitempty"`
	Progress *Progress        `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`

	// log_line, ui_message, step_result
	StepID string `json:"stepId,omitempty"`

	Log      *execution.LogEntry       `json:"log,omitempty"`
	UI       interface{}               `json:"ui,omitempty"`
	Result   *execution.ToolCallResult `json:"result,omitempty"`
	Rollback bool                      `json:"rollback,omitempty"`
}

// StatusChanged builds a status_change event.
func StatusChanged(executionID string, status execution.Status, progress *Progress, errMsg string) Event {
	return Event{Kind: KindStatusChange, ExecutionID: executionID, Status: status, Progress: progress, Error: errMsg}
}

// LogLine builds a log_line event.
func LogLine(executionID, stepID string, entry execution.LogEntry) Event {
	return Event{Kind: KindLogLine, ExecutionID: executionID, StepID: stepID, Log: &entry}
}

// UIMessage builds a ui_message event.
func UIMessage(executionID, stepID string, payload interface{}) Event {
	return Event{Kind: KindUIMessage, ExecutionID: executionID, StepID: stepID, UI: payload}
}

// StepResult builds a step_result event carrying a copy of the result.
func StepResult(executionID string, result execution.ToolCallResult, rollback bool) Event {
	cp := result.Clone()
	return Event{Kind: KindStepResult, ExecutionID: executionID, StepID: result.StepID, Result: &cp, Rollback: rollback}
}

// Handler consumes events. Handlers run on the subscriber's own goroutine.
type Handler func(Event)

// subscriber owns an unbounded FIFO so publishers never block or drop.
type subscriber struct {
	name    string
	handler Handler

	mu      sync.Mutex
	queue   []Event
	stopped bool

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// Bus fans published events out to subscribers. It keeps no per-execution
// state. Each subscriber sees events in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *logging.Logger
}

// NewBus creates an empty bus. A nil logger logs to stdout.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.New()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.WithComponent("events"),
	}
}

// Publish enqueues ev for every current subscriber and returns immediately.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.enqueue(ev)
	}
}

// Subscribe registers a handler and returns a function that removes it.
// Events still queued for the handler when it is removed are discarded.
// The returned function must not be called from inside h.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	s := &subscriber{
		name:    name,
		handler: h,
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go b.loop(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop(false)
			<-s.done
		})
	}
}

// Close delivers everything already published, then stops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[int]*subscriber{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// stop ends the loop; when drain is true queued events are delivered first.
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.stopped = true
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()
	close(s.quit)
}

func (s *subscriber) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (b *Bus) loop(s *subscriber) {
	defer close(s.done)
	for {
		select {
		case <-s.signal:
			b.dispatch(s, s.take())
		case <-s.quit:
			b.dispatch(s, s.take())
			return
		}
	}
}

func (b *Bus) dispatch(s *subscriber, batch []Event) {
	for _, ev := range batch {
		b.safeHandle(s, ev)
	}
}

func (b *Bus) safeHandle(s *subscriber, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("subscriber panic", map[string]interface{}{
				"subscriber": s.name,
				"execution":  ev.ExecutionID,
				"kind":       string(ev.Kind),
				"panic":      fmt.Sprintf("%v", rec),
			})
		}
	}()
	s.handler(ev)
}
