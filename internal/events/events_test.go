package events

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/orchestrator/internal/execution"
	"github.com/vinayprograms/orchestrator/internal/logging"
)

func collect(t *testing.T, b *Bus, name string) (*[]Event, *sync.Mutex, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []Event
	unsub := b.Subscribe(name, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return &got, &mu, unsub
}

func TestBus_PreservesOrderPerSubscriber(t *testing.T) {
	b := NewBus(logging.Discard())
	got, mu, _ := collect(t, b, "a")

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(Event{Kind: KindLogLine, ExecutionID: "e1", Progress: &Progress{CurrentStep: i}})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != n {
		t.Fatalf("expected %d events, got %d", n, len(*got))
	}
	for i, ev := range *got {
		if ev.Progress.CurrentStep != i {
			t.Fatalf("event %d out of order: %d", i, ev.Progress.CurrentStep)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("publish must stamp events")
		}
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewBus(logging.Discard())
	release := make(chan struct{})
	b.Subscribe("slow", func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindStatusChange, ExecutionID: "e"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
	b.Close()
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(logging.Discard())
	got, mu, unsub := collect(t, b, "a")
	other, omu, _ := collect(t, b, "b")

	b.Publish(Event{Kind: KindUIMessage, ExecutionID: "e"})
	unsub()
	unsub() // idempotent
	b.Publish(Event{Kind: KindUIMessage, ExecutionID: "e"})
	b.Close()

	mu.Lock()
	if len(*got) > 1 {
		t.Errorf("unsubscribed handler kept receiving: %d events", len(*got))
	}
	mu.Unlock()
	omu.Lock()
	if len(*other) != 2 {
		t.Errorf("remaining subscriber got %d events, want 2", len(*other))
	}
	omu.Unlock()
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	var buf strings.Builder
	var bufMu sync.Mutex
	logger := logging.New()
	logger.SetOutput(&lockedWriter{w: &buf, mu: &bufMu})

	b := NewBus(logger)
	b.Subscribe("bad", func(Event) { panic("handler bug") })
	got, mu, _ := collect(t, b, "good")

	b.Publish(Event{Kind: KindStatusChange, ExecutionID: "e"})
	b.Publish(Event{Kind: KindStatusChange, ExecutionID: "e"})
	b.Close()

	mu.Lock()
	if len(*got) != 2 {
		t.Errorf("good subscriber got %d events, want 2", len(*got))
	}
	mu.Unlock()
	bufMu.Lock()
	if !strings.Contains(buf.String(), "subscriber panic") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
	bufMu.Unlock()
}

func TestBus_ClosedIgnoresPublishAndSubscribe(t *testing.T) {
	b := NewBus(logging.Discard())
	b.Close()
	b.Close()
	b.Publish(Event{Kind: KindLogLine})
	unsub := b.Subscribe("late", func(Event) { t.Error("closed bus delivered an event") })
	unsub()
}

func TestStepResult_CopiesResult(t *testing.T) {
	r := execution.ToolCallResult{StepID: "s1", Status: execution.StepRunning, Logs: []execution.LogEntry{{Message: "a"}}}
	ev := StepResult("e", r, false)
	r.Logs[0].Message = "mutated"
	if ev.Result.Logs[0].Message != "a" {
		t.Error("event shares log slice with caller")
	}
	if ev.StepID != "s1" || ev.Kind != KindStepResult {
		t.Errorf("unexpected event: %+v", ev)
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	subj []string
	data [][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subj = append(p.subj, subject)
	p.data = append(p.data, data)
	return p.err
}

func TestNATSBridge_PublishesSubjectPerExecutionAndKind(t *testing.T) {
	b := NewBus(logging.Discard())
	pub := &fakePublisher{}
	bridge := NewBridge(pub, "ops.exec.", b, logging.Discard())

	b.Publish(StatusChanged("e1", execution.StatusExecuting, &Progress{CurrentStep: 0, TotalSteps: 2}, ""))
	b.Publish(LogLine("e1", "s1", execution.LogEntry{Level: execution.LogInfo, Message: "hello"}))
	b.Close()
	if err := bridge.Close(); err != nil {
		t.Fatal(err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	want := []string{"ops.exec.e1.status_change", "ops.exec.e1.log_line"}
	if len(pub.subj) != len(want) {
		t.Fatalf("subjects = %v", pub.subj)
	}
	for i := range want {
		if pub.subj[i] != want[i] {
			t.Errorf("subject[%d] = %q, want %q", i, pub.subj[i], want[i])
		}
	}
	var decoded Event
	if err := json.Unmarshal(pub.data[1], &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Log == nil || decoded.Log.Message != "hello" {
		t.Errorf("payload not round-tripped: %s", pub.data[1])
	}
}

func TestNATSBridge_PublishErrorIsLogged(t *testing.T) {
	var buf strings.Builder
	var bufMu sync.Mutex
	logger := logging.New()
	logger.SetOutput(&lockedWriter{w: &buf, mu: &bufMu})

	b := NewBus(logger)
	bridge := NewBridge(&fakePublisher{err: errors.New("no responders")}, "", b, logger)
	if got := bridge.Subject(Event{ExecutionID: "x", Kind: KindUIMessage}); got != DefaultSubjectPrefix+".x.ui_message" {
		t.Errorf("default subject = %q", got)
	}
	b.Publish(UIMessage("x", "s", map[string]interface{}{"chart": 1}))
	b.Close()

	bufMu.Lock()
	defer bufMu.Unlock()
	if !strings.Contains(buf.String(), "nats publish failed") {
		t.Errorf("expected publish failure to be logged, got %q", buf.String())
	}
}

type lockedWriter struct {
	w  *strings.Builder
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
