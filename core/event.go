// Package core provides the shared kernel of the Vigil runtime: the event
// model, the interfaces components accept (Logger, Telemetry, SemanticMemory,
// Publisher), structured errors, and no-op defaults.
//
// Purpose:
// - Defines the immutable Event observation that flows through the bus
// - Provides deterministic deduplication fingerprints for events
// - Establishes the priority ordering used by the bus scheduler
//
// Every other package in the module depends on core and nothing in core
// depends on another Vigil package.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders events on the bus. Lower ordinal means dequeued first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a config string into a Priority.
// Unknown values default to PriorityMedium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Event is an immutable observation produced by a source. Once published the
// bus owns the event until a handler has been invoked; handlers must not
// mutate it.
type Event struct {
	ID          string                 `json:"event_id"`
	Type        string                 `json:"event_type"`
	Source      string                 `json:"source"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Priority    Priority               `json:"priority"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	DedupKey    string                 `json:"dedup_key,omitempty"`
	DedupWindow time.Duration          `json:"dedup_window,omitempty"`
}

// NewEvent creates an event with a generated ID, a UTC timestamp, and a
// content-derived dedup key when none is supplied.
func NewEvent(eventType, source string, payload map[string]interface{}, priority Priority) *Event {
	ev := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}
	ev.DedupKey = DedupKey(eventType, source, payload)
	return ev
}

// DedupKey derives a stable fingerprint from the event content. Payload
// entries are sorted by key so the fingerprint is independent of map
// iteration order.
func DedupKey(eventType, source string, payload map[string]interface{}) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(eventType)
	b.WriteByte('|')
	b.WriteString(source)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(CoerceString(payload[k]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// IsScalar reports whether v is a payload scalar (bool, integer, float or
// string). Structured payload values are excluded from decision contexts and
// template rendering.
func IsScalar(v interface{}) bool {
	switch v.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// CoerceString renders a payload value for hashing, templating and context
// strings. Floats that carry integral values print without a fraction so
// JSON round-trips (which decode numbers as float64) hash identically.
func CoerceString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case float32:
		return CoerceString(float64(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}
