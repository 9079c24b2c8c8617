// Package runtime wires the pipeline together: events from the bus are
// matched against goals, each match is judged by the decision engine, ACT
// verdicts run through the executor under global limits, and every
// outcome feeds back into learning and failure tracking.
package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vigil-agent/vigil/bus"
	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/decision"
	"github.com/vigil-agent/vigil/goal"
	"github.com/vigil-agent/vigil/learning"
	"github.com/vigil-agent/vigil/observability"
)

// ExecutionResult is what an executor reports back.
type ExecutionResult struct {
	Success    bool                   `json:"success"`
	DurationMS float64                `json:"duration_ms"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Executor performs a rendered action. Implementations must honor the
// context deadline.
type Executor interface {
	Execute(ctx context.Context, action goal.Action, ev *core.Event) (*ExecutionResult, error)
}

// Source is a started event producer managed by the runtime.
type Source interface {
	Stop()
}

// DecisionCallback receives ASK and ESCALATE decisions so an outer
// surface (chat, ticketing, pager) can involve a human.
type DecisionCallback func(d *decision.Decision, g *goal.Goal, ev *core.Event)

// Config holds runtime-wide execution limits.
type Config struct {
	// MaxConcurrentActions bounds in-flight executions.
	MaxConcurrentActions int
	// MaxActionsPerMinute is a token-bucket rate across all goals.
	MaxActionsPerMinute int
}

// DefaultConfig mirrors the default goal settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentActions: 5,
		MaxActionsPerMinute:  10,
	}
}

// ConfigFromSettings derives runtime limits from loaded goal settings.
func ConfigFromSettings(s goal.Settings) Config {
	return Config{
		MaxConcurrentActions: s.GlobalLimits.MaxConcurrentActions,
		MaxActionsPerMinute:  s.GlobalLimits.MaxActionsPerMinute,
	}
}

// Runtime owns the dispatch loop between the bus and the engines.
type Runtime struct {
	bus      *bus.Bus
	goals    *goal.Manager
	decider  *decision.Engine
	learner  *learning.Engine
	executor Executor

	limiter  *rate.Limiter
	sem      chan struct{}
	onReview DecisionCallback

	logger    core.Logger
	telemetry core.Telemetry
	subID     string

	mu      sync.Mutex
	sources []Source
	started bool
	wg      sync.WaitGroup
}

// Option customizes runtime construction.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(l core.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDecisionCallback registers the human review hook for ASK and
// ESCALATE verdicts.
func WithDecisionCallback(cb DecisionCallback) Option {
	return func(r *Runtime) {
		r.onReview = cb
	}
}

// WithTelemetry sets the telemetry sink for pipeline spans and outcome
// metrics. Defaults to a no-op implementation.
func WithTelemetry(t core.Telemetry) Option {
	return func(r *Runtime) {
		if t != nil {
			r.telemetry = t
		}
	}
}

// New creates a runtime around the given components.
func New(b *bus.Bus, goals *goal.Manager, decider *decision.Engine, learner *learning.Engine, executor Executor, cfg Config, opts ...Option) *Runtime {
	def := DefaultConfig()
	if cfg.MaxConcurrentActions <= 0 {
		cfg.MaxConcurrentActions = def.MaxConcurrentActions
	}
	if cfg.MaxActionsPerMinute <= 0 {
		cfg.MaxActionsPerMinute = def.MaxActionsPerMinute
	}

	r := &Runtime{
		bus:       b,
		goals:     goals,
		decider:   decider,
		learner:   learner,
		executor:  executor,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.MaxActionsPerMinute)/60.0), cfg.MaxActionsPerMinute),
		sem:       make(chan struct{}, cfg.MaxConcurrentActions),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ManageSource registers a started source for shutdown with the runtime.
func (r *Runtime) ManageSource(s Source) {
	r.mu.Lock()
	r.sources = append(r.sources, s)
	r.mu.Unlock()
}

// Start subscribes the dispatcher and starts the bus.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return core.ErrAlreadyStarted
	}
	r.subID = r.bus.Subscribe(r.dispatch)
	if err := r.bus.Start(ctx); err != nil {
		r.bus.Unsubscribe(r.subID)
		return err
	}
	r.started = true
	r.logger.Info("Runtime started", nil)
	return nil
}

// Stop shuts the pipeline down back to front: sources first so no new
// events arrive, then the bus, then waits for in-flight executions.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	sources := r.sources
	r.mu.Unlock()

	for _, s := range sources {
		s.Stop()
	}
	r.bus.Stop()
	r.bus.Unsubscribe(r.subID)
	r.wg.Wait()
	r.logger.Info("Runtime stopped", nil)
}

// dispatch is the bus handler: match goals, decide, and act.
func (r *Runtime) dispatch(ctx context.Context, ev *core.Event) error {
	matches := r.goals.FindMatchingGoals(ev)
	if len(matches) == 0 {
		return nil
	}

	for _, g := range matches {
		evalCtx, span := r.telemetry.StartSpan(ctx, "decision.evaluate")
		d := r.decider.Evaluate(evalCtx, g, ev)
		span.SetAttribute("goal_id", g.ID)
		span.SetAttribute("event_type", ev.Type)
		span.SetAttribute("verdict", string(d.Verdict))
		span.End()
		r.telemetry.RecordMetric("vigil.decisions", 1,
			map[string]string{"verdict": string(d.Verdict)})

		switch d.Verdict {
		case decision.VerdictAct:
			r.act(ctx, d, g, ev)
		case decision.VerdictAsk, decision.VerdictEscalate:
			if r.onReview != nil {
				r.onReview(d, g, ev)
			}
		case decision.VerdictReject:
			r.logger.Debug("Action rejected", map[string]interface{}{
				"goal_id": g.ID,
				"reason":  d.Reason,
			})
		}
	}
	return nil
}

// act runs one approved action under the global limits and records the
// outcome.
func (r *Runtime) act(ctx context.Context, d *decision.Decision, g *goal.Goal, ev *core.Event) {
	if !r.limiter.Allow() {
		observability.ActionsThrottled.Inc()
		r.logger.Warn("Action throttled by global rate limit", map[string]interface{}{
			"goal_id":  g.ID,
			"event_id": ev.ID,
		})
		return
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	// The execution slot is claimed; count it against the goal's quota
	// exactly once before running.
	if err := r.goals.RecordExecution(g.ID); err != nil {
		<-r.sem
		r.logger.Error("Failed to record execution", map[string]interface{}{
			"goal_id": g.ID,
			"error":   err.Error(),
		})
		return
	}

	action := goal.RenderAction(g.Action, ev)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		r.execute(ctx, d, g, action, ev)
	}()
}

func (r *Runtime) execute(ctx context.Context, d *decision.Decision, g *goal.Goal, action goal.Action, ev *core.Event) {
	ctx, span := r.telemetry.StartSpan(ctx, "runtime.execute")
	defer span.End()
	span.SetAttribute("goal_id", g.ID)
	span.SetAttribute("action_type", string(action.Type))

	execCtx := ctx
	if action.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(action.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, err := r.executeWithRetry(execCtx, action, ev)
	durationMS := float64(time.Since(start)) / float64(time.Millisecond)

	success := err == nil && result != nil && result.Success
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	} else if result != nil && result.Error != "" {
		errMsg = result.Error
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	observability.ActionsExecuted.WithLabelValues(outcome).Inc()

	span.SetAttribute("success", success)
	if err != nil {
		span.RecordError(err)
	}
	r.telemetry.RecordMetric("vigil.actions.executed", 1,
		map[string]string{"outcome": outcome, "action_type": string(action.Type)})
	r.telemetry.RecordMetric("vigil.action.duration_ms", durationMS,
		map[string]string{"action_type": string(action.Type)})

	metadata := map[string]interface{}{
		"decision_id": d.ID,
		"event_id":    ev.ID,
		"event_type":  ev.Type,
	}
	if result != nil {
		for k, v := range result.Metadata {
			metadata[k] = v
		}
	}
	if _, recErr := r.learner.RecordAction(ctx, string(action.Type), g.ID, d.Context,
		success, durationMS, errMsg, metadata); recErr != nil {
		r.logger.Warn("Outcome not persisted to memory", map[string]interface{}{
			"goal_id": g.ID,
			"error":   recErr.Error(),
		})
	}
	r.decider.RecordOutcome(g.ID, success)

	r.logger.Info("Action executed", map[string]interface{}{
		"goal_id":     g.ID,
		"action_type": string(action.Type),
		"success":     success,
		"duration_ms": durationMS,
		"error":       errMsg,
	})
}

// executeWithRetry retries failed executions per the action's retry
// policy. RetryCount is the number of additional attempts.
func (r *Runtime) executeWithRetry(ctx context.Context, action goal.Action, ev *core.Event) (*ExecutionResult, error) {
	attempts := action.RetryCount + 1
	delay := time.Duration(action.RetryDelaySeconds) * time.Second

	var result *ExecutionResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = r.executor.Execute(ctx, action, ev)
		if err == nil && result != nil && result.Success {
			return result, nil
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return result, err
}
