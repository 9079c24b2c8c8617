// Package decision turns goal matches into verdicts: act autonomously,
// ask a human, reject, or escalate. Every verdict is written to the audit
// log before it is returned.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/goal"
	"github.com/vigil-agent/vigil/learning"
	"github.com/vigil-agent/vigil/observability"
)

// Verdict is the outcome of evaluating a goal match.
type Verdict string

const (
	VerdictAct      Verdict = "ACT"
	VerdictAsk      Verdict = "ASK"
	VerdictReject   Verdict = "REJECT"
	VerdictEscalate Verdict = "ESCALATE"
	// VerdictDefer is reserved for operator workflows that park a request;
	// the engine itself never emits it.
	VerdictDefer Verdict = "DEFER"
)

// Decision records one evaluation.
type Decision struct {
	ID         string                 `json:"id"`
	GoalID     string                 `json:"goal_id"`
	GoalName   string                 `json:"goal_name"`
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	ActionType string                 `json:"action_type"`
	Verdict    Verdict                `json:"verdict"`
	Confidence float64                `json:"confidence"`
	// Score is the full confidence breakdown behind Confidence.
	Score     *learning.ConfidenceScore `json:"score,omitempty"`
	Threshold float64                   `json:"threshold"`
	Reason    string                    `json:"reason"`
	Context   string                    `json:"context"`
	Timestamp time.Time                 `json:"timestamp"`
	Metadata  map[string]interface{}    `json:"metadata,omitempty"`
}

// ConfidenceSource provides historical confidence for an action in a
// context. Satisfied by *learning.Engine.
type ConfidenceSource interface {
	GetConfidence(ctx context.Context, actionType, actionContext string) *learning.ConfidenceScore
}

// Config holds decision engine tunables.
type Config struct {
	// MinSamples below which the engine always asks.
	MinSamples int
	// RejectBelow rejects outright when confidence is under it.
	RejectBelow float64
	// EscalateAfterFailures escalates once a goal accumulates this many
	// consecutive failures.
	EscalateAfterFailures int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:            3,
		RejectBelow:           0.1,
		EscalateAfterFailures: 3,
	}
}

// riskThresholds are the minimum confidence per risk level. A goal's own
// threshold can only raise the bar, never lower it.
var riskThresholds = map[goal.RiskLevel]float64{
	goal.RiskLow:      0.5,
	goal.RiskMedium:   0.75,
	goal.RiskHigh:     0.9,
	goal.RiskCritical: 1.0,
}

// Engine evaluates goal matches against learned confidence.
type Engine struct {
	confidence ConfidenceSource
	audit      *AuditLog
	cfg        Config
	logger     core.Logger
	now        core.Clock

	mu       sync.Mutex
	failures map[string]int
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l core.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now core.Clock) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a decision engine. The audit log may be shared with
// an inspection surface; pass nil to create a private one.
func NewEngine(confidence ConfidenceSource, audit *AuditLog, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.RejectBelow <= 0 {
		cfg.RejectBelow = def.RejectBelow
	}
	if cfg.EscalateAfterFailures <= 0 {
		cfg.EscalateAfterFailures = def.EscalateAfterFailures
	}
	if audit == nil {
		audit = NewAuditLog(0)
	}

	e := &Engine{
		confidence: confidence,
		audit:      audit,
		cfg:        cfg,
		logger:     &core.NoOpLogger{},
		now:        time.Now,
		failures:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Audit exposes the engine's audit log.
func (e *Engine) Audit() *AuditLog {
	return e.audit
}

// Evaluate decides what to do about a goal matching an event. Checks run
// in a fixed order; the first that fires determines the verdict.
func (e *Engine) Evaluate(ctx context.Context, g *goal.Goal, ev *core.Event) *Decision {
	actionContext := BuildContext(g, ev)
	score := e.confidence.GetConfidence(ctx, string(g.Action.Type), actionContext)
	threshold := e.threshold(g)

	d := &Decision{
		ID:         uuid.NewString(),
		GoalID:     g.ID,
		GoalName:   g.Name,
		EventID:    ev.ID,
		EventType:  ev.Type,
		ActionType: string(g.Action.Type),
		Confidence: score.Score,
		Score:      score,
		Threshold:  threshold,
		Context:    actionContext,
		Timestamp:  e.now().UTC(),
		Metadata: map[string]interface{}{
			"risk_level":   string(g.RiskLevel),
			"threshold":    threshold,
			"success_rate": score.SuccessRate,
			"sample_count": score.SampleCount,
		},
	}

	e.mu.Lock()
	consecutiveFailures := e.failures[g.ID]
	e.mu.Unlock()

	switch {
	case g.RequiresApproval:
		d.Verdict = VerdictAsk
		d.Reason = "goal requires human approval"
	case score.SampleCount < e.cfg.MinSamples:
		d.Verdict = VerdictAsk
		d.Reason = fmt.Sprintf("insufficient history: %d of %d samples", score.SampleCount, e.cfg.MinSamples)
	case score.Score < e.cfg.RejectBelow:
		d.Verdict = VerdictReject
		d.Reason = fmt.Sprintf("confidence %.2f below reject floor %.2f", score.Score, e.cfg.RejectBelow)
	case consecutiveFailures >= e.cfg.EscalateAfterFailures:
		d.Verdict = VerdictEscalate
		d.Reason = fmt.Sprintf("%d consecutive failures for goal", consecutiveFailures)
	case score.Score >= threshold:
		d.Verdict = VerdictAct
		d.Reason = fmt.Sprintf("confidence %.2f meets threshold %.2f", score.Score, threshold)
	default:
		d.Verdict = VerdictAsk
		d.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", score.Score, threshold)
	}

	// Decisions routed to a human carry a hint for the reviewer.
	if d.Verdict == VerdictAsk || d.Verdict == VerdictEscalate {
		d.Metadata["recommendation"] = recommendation(score.Score)
	}

	e.audit.Record(d)
	observability.Decisions.WithLabelValues(string(d.Verdict)).Inc()
	e.logger.Info("Decision made", map[string]interface{}{
		"decision_id": d.ID,
		"goal_id":     d.GoalID,
		"verdict":     string(d.Verdict),
		"confidence":  d.Confidence,
		"threshold":   d.Threshold,
		"reason":      d.Reason,
	})
	return d
}

// threshold is the higher of the risk-level minimum and the goal's own
// confidence threshold.
func (e *Engine) threshold(g *goal.Goal) float64 {
	t, ok := riskThresholds[g.RiskLevel]
	if !ok {
		t = riskThresholds[goal.RiskMedium]
	}
	if g.ConfidenceThreshold > t {
		t = g.ConfidenceThreshold
	}
	return t
}

// RecordOutcome feeds execution results back into the failure tracker.
// A success clears the goal's consecutive-failure count.
func (e *Engine) RecordOutcome(goalID string, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		delete(e.failures, goalID)
		return
	}
	e.failures[goalID]++
}

// ResetFailures clears the consecutive-failure count after an operator
// intervenes on an escalation.
func (e *Engine) ResetFailures(goalID string) {
	e.mu.Lock()
	delete(e.failures, goalID)
	e.mu.Unlock()
}

// ConsecutiveFailures reports the current failure streak for a goal.
func (e *Engine) ConsecutiveFailures(goalID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures[goalID]
}

// Explain renders a decision for operators.
func Explain(d *Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (goal %q, event %s)\n", d.Verdict, d.Reason, d.GoalID, d.EventType)
	fmt.Fprintf(&b, "  confidence %.3f against threshold %.3f", d.Confidence, d.Threshold)
	if rl, ok := d.Metadata["risk_level"].(string); ok {
		fmt.Fprintf(&b, " (risk %s)", rl)
	}
	if n, ok := d.Metadata["sample_count"].(int); ok {
		fmt.Fprintf(&b, ", %d samples", n)
	}
	b.WriteString("\n  context: ")
	b.WriteString(d.Context)
	return b.String()
}

// BuildContext renders the event into the context string used for
// confidence lookups. Payload keys are sorted so identical events hash to
// identical contexts; non-scalar values are skipped.
func BuildContext(g *goal.Goal, ev *core.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s | Event: %s from %s", g.Name, ev.Type, ev.Source)

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if core.IsScalar(ev.Payload[k]) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s=%s", k, core.CoerceString(ev.Payload[k]))
	}
	return b.String()
}

func recommendation(score float64) string {
	if score > 0.5 {
		return "approve"
	}
	return "review"
}
