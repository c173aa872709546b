package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/orchestrator/internal/logging"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "orchestrator.executions"

// Publisher is the part of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge mirrors every bus event onto NATS as JSON, one subject per
// execution and kind: <prefix>.<executionID>.<kind>.
type NATSBridge struct {
	pub         Publisher
	conn        *nats.Conn
	prefix      string
	unsubscribe func()
	logger      *logging.Logger
}

// ConnectNATS dials the server and starts mirroring bus events.
func ConnectNATS(url, prefix string, bus *Bus, logger *logging.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	b := NewBridge(nc, prefix, bus, logger)
	b.conn = nc
	return b, nil
}

// NewBridge mirrors bus events to an arbitrary publisher.
func NewBridge(pub Publisher, prefix string, bus *Bus, logger *logging.Logger) *NATSBridge {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.New()
	}
	b := &NATSBridge{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.WithComponent("nats"),
	}
	b.unsubscribe = bus.Subscribe("nats", b.forward)
	return b
}

// Subject returns the subject an event is published on.
func (b *NATSBridge) Subject(ev Event) string {
	return b.prefix + "." + ev.ExecutionID + "." + string(ev.Kind)
}

func (b *NATSBridge) forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event not serializable", map[string]interface{}{
			"execution": ev.ExecutionID,
			"kind":      string(ev.Kind),
			"error":     err.Error(),
		})
		return
	}
	if err := b.pub.Publish(b.Subject(ev), data); err != nil {
		b.logger.Warn("nats publish failed", map[string]interface{}{
			"execution": ev.ExecutionID,
			"kind":      string(ev.Kind),
			"error":     err.Error(),
		})
	}
}

// Close stops mirroring and drains the connection if the bridge owns one.
func (b *NATSBridge) Close() error {
	b.unsubscribe()
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}
