// Package learning records action outcomes and computes confidence scores
// from similar past outcomes retrieved via a semantic memory collaborator.
//
// The engine owns a small TTL cache of computed scores and degrades
// gracefully when memory is unreachable: callers receive a zero-sample
// score, which the decision engine treats as insufficient history.
package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-agent/vigil/core"
)

// ActionRecord is a completed execution observation. Records are forwarded
// to the semantic store; the engine keeps no local history beyond its
// confidence cache.
type ActionRecord struct {
	ActionID     string                 `json:"action_id"`
	ActionType   string                 `json:"action_type"`
	GoalID       string                 `json:"goal_id"`
	Context      string                 `json:"context"`
	Success      bool                   `json:"success"`
	DurationMS   float64                `json:"duration_ms"`
	Timestamp    time.Time              `json:"timestamp"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SimilarAction references one of the past records behind a score.
type SimilarAction struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Success bool    `json:"success"`
}

// ConfidenceScore is derived from similar past outcomes; it is never
// persisted.
type ConfidenceScore struct {
	Score          float64         `json:"score"`
	SampleCount    int             `json:"sample_count"`
	SuccessRate    float64         `json:"success_rate"`
	AvgDurationMS  float64         `json:"avg_duration_ms"`
	LastSuccess    *time.Time      `json:"last_success,omitempty"`
	LastFailure    *time.Time      `json:"last_failure,omitempty"`
	SimilarActions []SimilarAction `json:"similar_actions,omitempty"`
}

// Recommendation suggests an action type with proven history for a context.
type Recommendation struct {
	ActionType string           `json:"action_type"`
	Confidence *ConfidenceScore `json:"confidence"`
	Reason     string           `json:"reason"`
}

// TypeStats aggregates outcomes for one action type or goal.
type TypeStats struct {
	Total     int `json:"total"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Summary aggregates recent activity for reporting.
type Summary struct {
	Days         int                  `json:"days"`
	TotalActions int                  `json:"total_actions"`
	Successes    int                  `json:"successes"`
	Failures     int                  `json:"failures"`
	SuccessRate  float64              `json:"success_rate"`
	ByActionType map[string]TypeStats `json:"by_action_type"`
	ByGoal       map[string]TypeStats `json:"by_goal"`
}

// Config holds learning engine tunables.
type Config struct {
	// MinSamples is the minimum number of similar records required before
	// a non-zero confidence is computed.
	MinSamples int

	// DecayDays controls how fast old outcomes lose weight.
	DecayDays float64

	// SuccessWeight and FailureWeight scale a record's weight by outcome.
	// Failures weigh more so recent failures pull confidence down faster.
	SuccessWeight float64
	FailureWeight float64

	// QueryLimit and MinSimilarity bound the memory query.
	QueryLimit    int
	MinSimilarity float64

	// CacheTTL bounds how long computed scores are reused.
	CacheTTL time.Duration

	// MaxSimilarRefs caps the similar_actions list on a score.
	MaxSimilarRefs int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:     3,
		DecayDays:      30,
		SuccessWeight:  1.0,
		FailureWeight:  1.5,
		QueryLimit:     50,
		MinSimilarity:  0.3,
		CacheTTL:       5 * time.Minute,
		MaxSimilarRefs: 5,
	}
}

// Engine computes confidence from past outcomes. The semantic memory
// collaborator is injected; tests supply a deterministic fake.
type Engine struct {
	memory core.SemanticMemory
	cfg    Config
	cache  *scoreCache
	logger core.Logger
	now    core.Clock
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

// NewEngine creates a learning engine backed by the given memory.
// Zero-valued config fields take defaults.
func NewEngine(memory core.SemanticMemory, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.DecayDays <= 0 {
		cfg.DecayDays = def.DecayDays
	}
	if cfg.SuccessWeight <= 0 {
		cfg.SuccessWeight = def.SuccessWeight
	}
	if cfg.FailureWeight <= 0 {
		cfg.FailureWeight = def.FailureWeight
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = def.QueryLimit
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.MaxSimilarRefs <= 0 {
		cfg.MaxSimilarRefs = def.MaxSimilarRefs
	}

	e := &Engine{
		memory: memory,
		cfg:    cfg,
		cache:  newScoreCache(),
		logger: &core.NoOpLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordAction stores a completed execution in semantic memory and
// invalidates cached scores for the action type. The record is returned
// even when the store fails; the error then wraps ErrMemoryUnavailable.
func (e *Engine) RecordAction(ctx context.Context, actionType, goalID, actionContext string, success bool, durationMS float64, errorMessage string, metadata map[string]interface{}) (*ActionRecord, error) {
	rec := &ActionRecord{
		ActionID:     uuid.NewString(),
		ActionType:   actionType,
		GoalID:       goalID,
		Context:      actionContext,
		Success:      success,
		DurationMS:   durationMS,
		Timestamp:    e.now().UTC(),
		ErrorMessage: errorMessage,
		Metadata:     metadata,
	}

	details := map[string]interface{}{
		"action_id": rec.ActionID,
		"timestamp": rec.Timestamp.Format(time.RFC3339),
	}
	if errorMessage != "" {
		details["error_message"] = errorMessage
	}
	for k, v := range metadata {
		details[k] = v
	}

	if err := e.memory.StoreAction(ctx, actionType, goalID, success, durationMS, actionContext, details); err != nil {
		e.logger.Error("Failed to store action record", map[string]interface{}{
			"action_type": actionType,
			"goal_id":     goalID,
			"error":       err.Error(),
		})
		return rec, err
	}

	e.cache.InvalidateType(actionType)
	e.logger.Debug("Action recorded", map[string]interface{}{
		"action_id":   rec.ActionID,
		"action_type": actionType,
		"success":     success,
	})
	return rec, nil
}

// GetConfidence computes a confidence score for performing actionType in
// the given context. Memory failures degrade to a zero-sample score.
func (e *Engine) GetConfidence(ctx context.Context, actionType, actionContext string) *ConfidenceScore {
	if cached, ok := e.cache.Get(actionType, actionContext, e.now()); ok {
		return cached
	}

	query := fmt.Sprintf("%s action: %s", actionType, actionContext)
	results, err := e.memory.FindMemories(ctx, query, e.cfg.QueryLimit, core.CollectionLearning, e.cfg.MinSimilarity)
	if err != nil {
		msg := "Confidence query failed, degrading to zero confidence"
		if core.IsUnavailable(err) {
			msg = "Semantic memory unavailable, degrading to zero confidence"
		}
		e.logger.Warn(msg, map[string]interface{}{
			"action_type": actionType,
			"error":       err.Error(),
		})
		return &ConfidenceScore{}
	}

	score := e.scoreResults(results)
	e.cache.Put(actionType, actionContext, score, e.now().Add(e.cfg.CacheTTL))
	return score
}

// scoreResults runs the weighting algorithm over memory results:
// weight = similarity * recency, scaled by the outcome weight, where
// recency decays linearly over DecayDays with a floor of 0.1.
func (e *Engine) scoreResults(results []core.MemoryResult) *ConfidenceScore {
	out := &ConfidenceScore{SampleCount: len(results)}
	if len(results) < e.cfg.MinSamples {
		return out
	}

	now := e.now()
	var (
		weightedSuccess float64
		totalWeight     float64
		durationTotal   float64
		durationCount   int
		successes       int
	)
	for _, r := range results {
		success := mdBool(r.Metadata, "success")
		ts, hasTS := mdTime(r.Metadata, "timestamp")

		ageDays := 0.0
		if hasTS {
			if days := now.Sub(ts).Hours() / 24; days > 0 {
				ageDays = float64(int(days))
			}
		}
		recency := 1 - ageDays/e.cfg.DecayDays
		if recency < 0.1 {
			recency = 0.1
		}

		weight := r.Score * recency
		if success {
			weight *= e.cfg.SuccessWeight
			weightedSuccess += weight
			successes++
			if hasTS && (out.LastSuccess == nil || ts.After(*out.LastSuccess)) {
				t := ts
				out.LastSuccess = &t
			}
		} else {
			weight *= e.cfg.FailureWeight
			if hasTS && (out.LastFailure == nil || ts.After(*out.LastFailure)) {
				t := ts
				out.LastFailure = &t
			}
		}
		totalWeight += weight

		if d, ok := mdFloat(r.Metadata, "duration_ms"); ok {
			durationTotal += d
			durationCount++
		}
	}

	if totalWeight > 0 {
		out.Score = weightedSuccess / totalWeight
	}
	out.SuccessRate = float64(successes) / float64(len(results))
	if durationCount > 0 {
		out.AvgDurationMS = durationTotal / float64(durationCount)
	}

	refs := len(results)
	if refs > e.cfg.MaxSimilarRefs {
		refs = e.cfg.MaxSimilarRefs
	}
	for _, r := range results[:refs] {
		out.SimilarActions = append(out.SimilarActions, SimilarAction{
			Content: truncate(r.Content, 120),
			Score:   r.Score,
			Success: mdBool(r.Metadata, "success"),
		})
	}
	return out
}

// GetRecommendations returns action types with proven history for the
// context, best first.
func (e *Engine) GetRecommendations(ctx context.Context, actionContext string, limit int) []Recommendation {
	if limit <= 0 {
		limit = 3
	}
	results, err := e.memory.FindMemories(ctx, actionContext, limit*3, core.CollectionLearning, e.cfg.MinSimilarity)
	if err != nil {
		e.logger.Warn("Semantic memory unavailable for recommendations", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	groups := make(map[string][]core.MemoryResult)
	for _, r := range results {
		actionType, ok := mdString(r.Metadata, "action_type")
		if !ok {
			continue
		}
		groups[actionType] = append(groups[actionType], r)
	}

	var out []Recommendation
	for actionType, group := range groups {
		score := e.scoreResults(group)
		if score.Score <= 0.5 || score.SampleCount < e.cfg.MinSamples {
			continue
		}
		out = append(out, Recommendation{
			ActionType: actionType,
			Confidence: score,
			Reason: fmt.Sprintf("%s succeeded in %d%% of %d similar cases",
				actionType, int(score.SuccessRate*100), score.SampleCount),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Confidence.Score > out[j].Confidence.Score
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetDailySummary aggregates outcomes over the last N days.
func (e *Engine) GetDailySummary(ctx context.Context, days int) (*Summary, error) {
	if days <= 0 {
		days = 1
	}
	results, err := e.memory.FindMemories(ctx, "action outcome", 100, core.CollectionLearning, 0)
	if err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-time.Duration(days) * 24 * time.Hour)
	summary := &Summary{
		Days:         days,
		ByActionType: make(map[string]TypeStats),
		ByGoal:       make(map[string]TypeStats),
	}
	for _, r := range results {
		ts, ok := mdTime(r.Metadata, "timestamp")
		if !ok || ts.Before(cutoff) {
			continue
		}
		success := mdBool(r.Metadata, "success")
		summary.TotalActions++
		if success {
			summary.Successes++
		} else {
			summary.Failures++
		}
		if actionType, ok := mdString(r.Metadata, "action_type"); ok {
			summary.ByActionType[actionType] = bump(summary.ByActionType[actionType], success)
		}
		if goalID, ok := mdString(r.Metadata, "goal_id"); ok && goalID != "" {
			summary.ByGoal[goalID] = bump(summary.ByGoal[goalID], success)
		}
	}
	if summary.TotalActions > 0 {
		summary.SuccessRate = float64(summary.Successes) / float64(summary.TotalActions)
	}
	return summary, nil
}

func bump(s TypeStats, success bool) TypeStats {
	s.Total++
	if success {
		s.Successes++
	} else {
		s.Failures++
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Metadata accessors tolerant of JSON round-trips.

func mdBool(md map[string]interface{}, key string) bool {
	switch v := md[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

func mdFloat(md map[string]interface{}, key string) (float64, bool) {
	switch v := md[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func mdString(md map[string]interface{}, key string) (string, bool) {
	s, ok := md[key].(string)
	return s, ok
}

func mdTime(md map[string]interface{}, key string) (time.Time, bool) {
	switch v := md[key].(type) {
	case time.Time:
		return v, true
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
