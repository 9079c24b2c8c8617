package goal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGoalFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeGoalFile(t, dir, "ops.yaml", `
goals:
  - id: restart-api
    name: Restart API on failure
    description: Restart the API service when health checks fail repeatedly
    trigger:
      event_type: http_check
      filter:
        success: "false"
        url: "regex:api\\."
      cooldown_seconds: 300
    action:
      type: shell
      command: "systemctl restart api"
      timeout_seconds: 30
      retry_count: 2
      retry_delay_seconds: 5
    risk_level: high
    confidence_threshold: 0.9
    requires_approval: false
    limits:
      max_executions_per_hour: 2
      max_executions_per_day: 6
    tags: [ops, api]
    owner: sre
    enabled: true
settings:
  emergency_stop: false
  default_confidence_threshold: 0.8
  global_limits:
    max_concurrent_actions: 3
    max_actions_per_minute: 6
`)

	loaded, err := LoadDir(dir, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Goals, 1)

	g := loaded.Goals[0]
	assert.Equal(t, "restart-api", g.ID)
	assert.Equal(t, RiskHigh, g.RiskLevel)
	assert.Equal(t, 0.9, g.ConfidenceThreshold)
	assert.Equal(t, 300, g.Trigger.CooldownSeconds)
	assert.Equal(t, ActionShell, g.Action.Type)
	assert.Equal(t, 2, g.Limits.MaxExecutionsPerHour)
	assert.True(t, g.Enabled)

	assert.Equal(t, 0.8, loaded.Settings.DefaultConfidenceThreshold)
	assert.Equal(t, 3, loaded.Settings.GlobalLimits.MaxConcurrentActions)
	assert.Equal(t, 6, loaded.Settings.GlobalLimits.MaxActionsPerMinute)
}

func TestLoadDirDefaults(t *testing.T) {
	dir := t.TempDir()
	writeGoalFile(t, dir, "minimal.yaml", `
goals:
  - id: notify-errors
    trigger:
      event_type: log_pattern
    action:
      type: notify
      channel: alerts
`)

	loaded, err := LoadDir(dir, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Goals, 1)

	g := loaded.Goals[0]
	assert.True(t, g.Enabled, "enabled defaults to true")
	assert.Equal(t, "notify-errors", g.Name, "name defaults to id")
	assert.Equal(t, RiskMedium, g.RiskLevel)
	assert.Equal(t, DefaultSettings().DefaultConfidenceThreshold, g.ConfidenceThreshold)
}

func TestLoadDirSkipsInvalidGoal(t *testing.T) {
	dir := t.TempDir()
	writeGoalFile(t, dir, "mixed.yaml", `
goals:
  - id: good-goal
    trigger:
      event_type: http_check
    action:
      type: notify
      channel: alerts
  - id: bad-goal
    trigger:
      event_type: http_check
    action:
      type: teleport
  - name: goal without id
    trigger:
      event_type: http_check
    action:
      type: notify
`)

	loaded, err := LoadDir(dir, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Goals, 1)
	assert.Equal(t, "good-goal", loaded.Goals[0].ID)
	assert.Len(t, loaded.Skipped, 2)
	assert.Contains(t, loaded.Skipped, "bad-goal")
}

func TestLoadDirUnknownFieldsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeGoalFile(t, dir, "extra.yaml", `
goals:
  - id: g1
    some_future_field: whatever
    trigger:
      event_type: http_check
      unknown_nested: 12
    action:
      type: notify
      channel: alerts
`)

	loaded, err := LoadDir(dir, nil)
	require.NoError(t, err)
	assert.Len(t, loaded.Goals, 1)
}

func TestLoadDirMalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeGoalFile(t, dir, "bad.yaml", "goals: [::not yaml")
	writeGoalFile(t, dir, "good.yaml", `
goals:
  - id: g1
    trigger:
      event_type: http_check
    action:
      type: notify
`)

	loaded, err := LoadDir(dir, nil)
	require.NoError(t, err)
	assert.Len(t, loaded.Goals, 1)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}
