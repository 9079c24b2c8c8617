package core

import (
	"context"
	"time"
)

// Logger interface - minimal structured logging interface.
// Components take an optional Logger and default to NoOpLogger.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Publisher accepts events for routing. The event bus implements it; sources
// depend on this interface so tests can capture emitted events directly.
type Publisher interface {
	// Publish offers an event to the bus. It never blocks: the return value
	// is false when the event was rejected (queue full) or suppressed as a
	// duplicate.
	Publish(ev *Event) bool
}

// Semantic memory collections used by the runtime.
const (
	CollectionLearning      = "agent-learning"
	CollectionGoals         = "agent-goals"
	CollectionPreferences   = "agent-preferences"
	CollectionConversations = "agent-conversations"
	CollectionState         = "agent-state"
	CollectionBlueprints    = "agent-blueprints"
)

// MemoryResult is a prior record returned by a semantic memory query,
// ranked by similarity to the query string.
type MemoryResult struct {
	Content    string                 `json:"content"`
	Score      float64                `json:"score"` // similarity in [0,1]
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Collection string                 `json:"collection,omitempty"`
}

// SemanticMemory is the external collaborator consumed by the learning
// engine. Implementations must report connection and call failures by
// wrapping ErrMemoryUnavailable so callers can degrade instead of failing.
type SemanticMemory interface {
	// StoreAction persists a completed action observation.
	StoreAction(ctx context.Context, actionType, goalID string, success bool, durationMS float64, actionContext string, details map[string]interface{}) error

	// FindMemories returns up to limit records similar to query, best first,
	// excluding results scored below minScore.
	FindMemories(ctx context.Context, query string, limit int, collection string, minScore float64) ([]MemoryResult, error)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// Clock abstracts time for components whose behavior depends on wall time.
// Production code uses time.Now; tests inject a fixed or stepped clock.
type Clock func() time.Time
