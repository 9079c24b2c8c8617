package goal

import (
	"fmt"
	"sync"
	"time"

	"github.com/vigil-agent/vigil/core"
)

// Manager stores goals, matches events against them, and enforces
// cooldowns and hourly/daily execution quotas. Runtime counters are owned
// exclusively by the manager; the orchestration layer must call
// RecordExecution exactly once per actual execution.
type Manager struct {
	mu            sync.RWMutex
	goals         map[string]*Goal
	emergencyStop bool

	logger core.Logger
	now    core.Clock
}

// ManagerOption customizes manager construction.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger. Defaults to a no-op logger.
func WithLogger(l core.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now core.Clock) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty goal manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		goals:  make(map[string]*Goal),
		logger: &core.NoOpLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddGoal validates and registers a goal, compiling its trigger filters.
// Re-adding an existing id replaces the goal and resets its runtime state.
func (m *Manager) AddGoal(g *Goal) error {
	if err := g.Validate(); err != nil {
		return core.NewRuntimeError("goal.AddGoal", "goal", err).WithID(g.ID)
	}
	compiled, err := compileFilters(g.Trigger)
	if err != nil {
		return core.NewRuntimeError("goal.AddGoal", "goal", err).WithID(g.ID)
	}
	g.state = goalState{compiledFilter: compiled}

	m.mu.Lock()
	m.goals[g.ID] = g
	m.mu.Unlock()

	m.logger.Info("Goal added", map[string]interface{}{
		"goal_id":    g.ID,
		"event_type": g.Trigger.EventType,
		"risk_level": string(g.RiskLevel),
		"enabled":    g.Enabled,
	})
	return nil
}

// RemoveGoal deletes a goal. Returns false for unknown ids.
func (m *Manager) RemoveGoal(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[id]; !ok {
		return false
	}
	delete(m.goals, id)
	return true
}

// GetGoal returns the goal with the given id.
func (m *Manager) GetGoal(id string) (*Goal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	return g, ok
}

// ListGoals returns all registered goals in unspecified order.
func (m *Manager) ListGoals() []*Goal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Goal, 0, len(m.goals))
	for _, g := range m.goals {
		out = append(out, g)
	}
	return out
}

// EnableGoal marks a goal eligible for matching.
func (m *Manager) EnableGoal(id string) bool {
	return m.setEnabled(id, true)
}

// DisableGoal removes a goal from matching without deleting it.
func (m *Manager) DisableGoal(id string) bool {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return false
	}
	g.Enabled = enabled
	return true
}

// SetEmergencyStop toggles the operator kill switch. While active,
// FindMatchingGoals returns nothing.
func (m *Manager) SetEmergencyStop(active bool) {
	m.mu.Lock()
	m.emergencyStop = active
	m.mu.Unlock()

	if active {
		m.logger.Warn("Emergency stop activated", nil)
	} else {
		m.logger.Info("Emergency stop cleared", nil)
	}
}

// EmergencyStop reports whether the kill switch is active.
func (m *Manager) EmergencyStop() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyStop
}

// FindMatchingGoals returns the enabled goals whose trigger matches the
// event and which are currently eligible to execute (cooldown elapsed,
// quotas not exhausted).
func (m *Manager) FindMatchingGoals(ev *core.Event) []*Goal {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emergencyStop {
		return nil
	}

	now := m.now()
	var out []*Goal
	for _, g := range m.goals {
		if !g.Enabled {
			continue
		}
		if g.Trigger.EventType != ev.Type {
			continue
		}
		if !m.filtersMatch(g, ev) {
			continue
		}
		if err := m.ineligible(g, now); err != nil {
			m.logger.Debug("Goal matched but not eligible", map[string]interface{}{
				"goal_id":  g.ID,
				"event_id": ev.ID,
				"reason":   err.Error(),
			})
			continue
		}
		out = append(out, g)
	}
	return out
}

func (m *Manager) filtersMatch(g *Goal, ev *core.Event) bool {
	for key, matcher := range g.state.compiledFilter {
		value, ok := ev.Payload[key]
		if !ok {
			return false
		}
		if !matcher.matches(value) {
			return false
		}
	}
	return true
}

// ineligible returns a non-nil error when the goal may not execute now.
// Counter resets happen here, at the first check after the boundary.
func (m *Manager) ineligible(g *Goal, now time.Time) error {
	st := &g.state

	if !st.lastTriggered.IsZero() && g.Trigger.CooldownSeconds > 0 {
		until := st.lastTriggered.Add(g.Trigger.Cooldown())
		if until.After(now) {
			return fmt.Errorf("%w: ~%s remaining", core.ErrCooldownActive, formatSeconds(until.Sub(now)))
		}
	}

	if now.After(st.hourResetAt) {
		st.execsThisHour = 0
		st.hourResetAt = now.Add(time.Hour)
	}
	if now.After(st.dayResetAt) {
		st.execsToday = 0
		st.dayResetAt = now.Add(24 * time.Hour)
	}

	if g.Limits.MaxExecutionsPerHour > 0 && st.execsThisHour >= g.Limits.MaxExecutionsPerHour {
		return fmt.Errorf("%w: hourly cap of %d", core.ErrRateLimited, g.Limits.MaxExecutionsPerHour)
	}
	if g.Limits.MaxExecutionsPerDay > 0 && st.execsToday >= g.Limits.MaxExecutionsPerDay {
		return fmt.Errorf("%w: daily cap of %d", core.ErrRateLimited, g.Limits.MaxExecutionsPerDay)
	}
	return nil
}

// RecordExecution bumps the goal's counters and cooldown anchor. Callers
// must invoke it exactly once per actual execution. Eligibility is checked
// again here: between matching and claiming an execution slot another
// event can consume the goal's remaining quota, or an operator can disable
// the goal or trip the emergency stop.
func (m *Manager) RecordExecution(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.goals[id]
	if !ok {
		return core.ErrGoalNotFound
	}
	if m.emergencyStop {
		return core.ErrEmergencyStop
	}
	if !g.Enabled {
		return core.ErrGoalDisabled
	}
	now := m.now()
	if err := m.ineligible(g, now); err != nil {
		return err
	}
	g.state.lastTriggered = now
	g.state.execsThisHour++
	g.state.execsToday++
	return nil
}

// Status returns a structured snapshot for dashboards.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enabled := 0
	for _, g := range m.goals {
		if g.Enabled {
			enabled++
		}
	}
	return map[string]interface{}{
		"goals":          len(m.goals),
		"enabled":        enabled,
		"emergency_stop": m.emergencyStop,
	}
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return time.Duration(secs * int(time.Second)).String()
}
