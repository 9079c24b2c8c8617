// Package bridge mirrors bus traffic onto external transports so other
// systems can observe the agent without subscribing in-process.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vigil-agent/vigil/bus"
	"github.com/vigil-agent/vigil/core"
)

// SubjectPrefix is the root of the mirrored subject space; events publish
// to "<prefix>.<event_type>".
const SubjectPrefix = "vigil.events"

// envelope is the wire form of a mirrored event.
type envelope struct {
	EventID   string                 `json:"event_id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  string                 `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NATSMirror republishes every bus event to NATS. Mirroring is best
// effort: a failed publish is logged and counted, never retried, and the
// bus pipeline is unaffected.
type NATSMirror struct {
	conn   *nats.Conn
	bus    *bus.Bus
	subID  string
	logger core.Logger

	mirrored atomic.Int64
	dropped  atomic.Int64
}

// Config holds mirror connection settings.
type Config struct {
	URL  string
	Name string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:  nats.DefaultURL,
		Name: "vigil-mirror",
	}
}

// NewNATSMirror connects to NATS and subscribes to the bus.
func NewNATSMirror(b *bus.Bus, cfg Config, logger core.Logger) (*NATSMirror, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, core.NewRuntimeError("bridge.NewNATSMirror", "transport", err)
	}

	m := &NATSMirror{conn: conn, bus: b, logger: logger}
	m.subID = b.Subscribe(m.mirror)
	logger.Info("NATS mirror attached", map[string]interface{}{
		"url":     cfg.URL,
		"subject": SubjectPrefix + ".*",
	})
	return m, nil
}

// mirror is the bus handler. It always returns nil so mirror failures
// never land bus events in the DLQ.
func (m *NATSMirror) mirror(_ context.Context, ev *core.Event) error {
	env := envelope{
		EventID:   ev.ID,
		Type:      ev.Type,
		Source:    ev.Source,
		Payload:   ev.Payload,
		Priority:  ev.Priority.String(),
		Timestamp: ev.Timestamp,
		Metadata:  ev.Metadata,
	}
	data, err := json.Marshal(env)
	if err != nil {
		m.dropped.Add(1)
		return nil
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, ev.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.dropped.Add(1)
		m.logger.Warn("Event not mirrored", map[string]interface{}{
			"subject": subject,
			"error":   err.Error(),
		})
		return nil
	}
	m.mirrored.Add(1)
	return nil
}

// Stats reports mirrored and dropped counts.
func (m *NATSMirror) Stats() (mirrored, dropped int64) {
	return m.mirrored.Load(), m.dropped.Load()
}

// Close detaches from the bus and drains the connection.
func (m *NATSMirror) Close() {
	m.bus.Unsubscribe(m.subID)
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
