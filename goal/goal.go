// Package goal stores persistent intents and matches them against incoming
// events. The manager owns each goal's runtime state (cooldown anchor,
// hourly and daily counters); configuration identity comes from the YAML
// files loaded by LoadDir.
package goal

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vigil-agent/vigil/core"
)

// RiskLevel is a categorical estimate that selects a default confidence
// threshold in the decision engine.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ParseRiskLevel normalizes a config string. Unknown values default to
// RiskMedium.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	case RiskCritical:
		return RiskCritical
	default:
		return RiskMedium
	}
}

// ActionType names the action shape a goal carries. The core produces
// decisions; a host-supplied executor performs the action.
type ActionType string

const (
	ActionShell  ActionType = "shell"
	ActionNotify ActionType = "notify"
	ActionHTTP   ActionType = "http"
	ActionAgent  ActionType = "agent"
)

// Trigger describes which events activate a goal.
type Trigger struct {
	EventType string `yaml:"event_type" json:"event_type"`

	// Filter maps payload keys to expected values. A value of the form
	// "regex:<pattern>" is matched as a regular expression against the
	// stringified payload value; anything else requires scalar equality.
	Filter map[string]string `yaml:"filter" json:"filter,omitempty"`

	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

// Cooldown returns the trigger cooldown as a duration.
func (t Trigger) Cooldown() time.Duration {
	return time.Duration(t.CooldownSeconds) * time.Second
}

// Action describes what to do when a goal fires. Fields may contain
// {{ expr }} placeholders resolved against the triggering event.
type Action struct {
	Type ActionType `yaml:"type" json:"type"`

	// Type-specific fields.
	Command     string `yaml:"command" json:"command,omitempty"`           // shell
	URL         string `yaml:"url" json:"url,omitempty"`                   // http
	Method      string `yaml:"method" json:"method,omitempty"`             // http
	Body        string `yaml:"body" json:"body,omitempty"`                 // http
	Channel     string `yaml:"channel" json:"channel,omitempty"`           // notify
	Message     string `yaml:"message" json:"message,omitempty"`           // notify
	AgentPrompt string `yaml:"agent_prompt" json:"agent_prompt,omitempty"` // agent

	TimeoutSeconds    int `yaml:"timeout_seconds" json:"timeout_seconds"`
	RetryCount        int `yaml:"retry_count" json:"retry_count"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
}

// Limits caps goal executions per hour and per day. Zero means unlimited.
type Limits struct {
	MaxExecutionsPerHour int `yaml:"max_executions_per_hour" json:"max_executions_per_hour"`
	MaxExecutionsPerDay  int `yaml:"max_executions_per_day" json:"max_executions_per_day"`
}

// Goal is a persistent intent. Runtime counters live in the unexported
// state and are mutated only by the Manager.
type Goal struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Owner       string   `yaml:"owner" json:"owner,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`

	RiskLevel           RiskLevel `yaml:"risk_level" json:"risk_level"`
	ConfidenceThreshold float64   `yaml:"confidence_threshold" json:"confidence_threshold"`
	RequiresApproval    bool      `yaml:"requires_approval" json:"requires_approval"`

	Trigger Trigger `yaml:"trigger" json:"trigger"`
	Action  Action  `yaml:"action" json:"action"`
	Limits  Limits  `yaml:"limits" json:"limits"`

	state goalState
}

// goalState is runtime bookkeeping, not configuration identity.
type goalState struct {
	lastTriggered  time.Time
	execsThisHour  int
	execsToday     int
	hourResetAt    time.Time
	dayResetAt     time.Time
	compiledFilter map[string]*filterMatcher
}

// LastTriggered returns when the goal last executed (zero if never).
func (g *Goal) LastTriggered() time.Time { return g.state.lastTriggered }

// Validate checks configuration invariants.
func (g *Goal) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("goal id is required")
	}
	if g.Trigger.EventType == "" {
		return fmt.Errorf("goal %q: trigger event_type is required", g.ID)
	}
	if g.ConfidenceThreshold < 0 || g.ConfidenceThreshold > 1 {
		return fmt.Errorf("goal %q: confidence_threshold %v outside [0,1]", g.ID, g.ConfidenceThreshold)
	}
	if g.Trigger.CooldownSeconds < 0 {
		return fmt.Errorf("goal %q: cooldown_seconds must be >= 0", g.ID)
	}
	if g.Limits.MaxExecutionsPerHour < 0 || g.Limits.MaxExecutionsPerDay < 0 {
		return fmt.Errorf("goal %q: limits must be non-negative", g.ID)
	}
	switch g.Action.Type {
	case ActionShell, ActionNotify, ActionHTTP, ActionAgent:
	default:
		return fmt.Errorf("goal %q: unknown action type %q", g.ID, g.Action.Type)
	}
	return nil
}

// filterMatcher is a compiled trigger filter entry. Regex patterns are
// compiled once at goal registration, never per event.
type filterMatcher struct {
	exact string
	re    *regexp.Regexp
}

const regexPrefix = "regex:"

func compileFilters(t Trigger) (map[string]*filterMatcher, error) {
	if len(t.Filter) == 0 {
		return nil, nil
	}
	out := make(map[string]*filterMatcher, len(t.Filter))
	for key, pattern := range t.Filter {
		if strings.HasPrefix(pattern, regexPrefix) {
			re, err := regexp.Compile(strings.TrimPrefix(pattern, regexPrefix))
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", key, err)
			}
			out[key] = &filterMatcher{re: re}
			continue
		}
		out[key] = &filterMatcher{exact: pattern}
	}
	return out, nil
}

func (m *filterMatcher) matches(value interface{}) bool {
	if m.re != nil {
		return m.re.FindStringIndex(core.CoerceString(value)) != nil
	}
	return core.CoerceString(value) == m.exact
}
