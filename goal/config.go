package goal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigil-agent/vigil/core"
)

// Settings carries the runtime-wide knobs declared alongside goals.
type Settings struct {
	EmergencyStop              bool         `yaml:"emergency_stop"`
	DefaultConfidenceThreshold float64      `yaml:"default_confidence_threshold"`
	GlobalLimits               GlobalLimits `yaml:"global_limits"`
}

// GlobalLimits bounds execution across all goals. Zero means unlimited.
type GlobalLimits struct {
	MaxConcurrentActions int `yaml:"max_concurrent_actions"`
	MaxActionsPerMinute  int `yaml:"max_actions_per_minute"`
}

// DefaultSettings returns documented defaults applied when a file omits
// the settings block.
func DefaultSettings() Settings {
	return Settings{
		DefaultConfidenceThreshold: 0.7,
		GlobalLimits: GlobalLimits{
			MaxConcurrentActions: 5,
			MaxActionsPerMinute:  10,
		},
	}
}

// goalFile is one YAML document. Unknown fields are ignored.
type goalFile struct {
	Goals    []rawGoal `yaml:"goals"`
	Settings *Settings `yaml:"settings"`
}

// rawGoal mirrors Goal but keeps optional booleans as pointers so missing
// fields can take documented defaults.
type rawGoal struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Owner       string   `yaml:"owner"`
	Tags        []string `yaml:"tags"`
	Enabled     *bool    `yaml:"enabled"`

	RiskLevel           string   `yaml:"risk_level"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	RequiresApproval    bool     `yaml:"requires_approval"`

	Trigger Trigger `yaml:"trigger"`
	Action  Action  `yaml:"action"`
	Limits  Limits  `yaml:"limits"`
}

// Loaded is the result of reading a goal configuration directory.
type Loaded struct {
	Goals    []*Goal
	Settings Settings
	// Skipped maps goal ids (or file:index when the id is empty) to the
	// validation error that excluded them. Other goals still load.
	Skipped map[string]error
}

// LoadDir reads every *.yaml / *.yml file in dir. Malformed goals are
// skipped with a log entry; a malformed file skips only that file. The
// last settings block seen wins.
func LoadDir(dir string, logger core.Logger) (*Loaded, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, core.NewRuntimeError("goal.LoadDir", "config", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	out := &Loaded{
		Settings: DefaultSettings(),
		Skipped:  make(map[string]error),
	}
	for _, path := range files {
		if err := loadFile(path, out, logger); err != nil {
			logger.Error("Goal file skipped", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
	return out, nil
}

func loadFile(path string, out *Loaded, logger core.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file goalFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	if file.Settings != nil {
		out.Settings = withSettingsDefaults(*file.Settings)
	}

	for i, raw := range file.Goals {
		g := raw.toGoal(out.Settings)
		if err := g.Validate(); err != nil {
			key := g.ID
			if key == "" {
				key = fmt.Sprintf("%s:%d", filepath.Base(path), i)
			}
			out.Skipped[key] = err
			logger.Warn("Goal skipped", map[string]interface{}{
				"path":  path,
				"goal":  key,
				"error": err.Error(),
			})
			continue
		}
		out.Goals = append(out.Goals, g)
	}
	return nil
}

func withSettingsDefaults(s Settings) Settings {
	def := DefaultSettings()
	if s.DefaultConfidenceThreshold <= 0 {
		s.DefaultConfidenceThreshold = def.DefaultConfidenceThreshold
	}
	if s.GlobalLimits.MaxConcurrentActions <= 0 {
		s.GlobalLimits.MaxConcurrentActions = def.GlobalLimits.MaxConcurrentActions
	}
	if s.GlobalLimits.MaxActionsPerMinute <= 0 {
		s.GlobalLimits.MaxActionsPerMinute = def.GlobalLimits.MaxActionsPerMinute
	}
	return s
}

func (r rawGoal) toGoal(settings Settings) *Goal {
	g := &Goal{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		Owner:            r.Owner,
		Tags:             r.Tags,
		Enabled:          true,
		RiskLevel:        ParseRiskLevel(r.RiskLevel),
		RequiresApproval: r.RequiresApproval,
		Trigger:          r.Trigger,
		Action:           r.Action,
		Limits:           r.Limits,
	}
	if r.Enabled != nil {
		g.Enabled = *r.Enabled
	}
	if r.ConfidenceThreshold != nil {
		g.ConfidenceThreshold = *r.ConfidenceThreshold
	} else {
		g.ConfidenceThreshold = settings.DefaultConfidenceThreshold
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	if g.Action.Type == "" {
		g.Action.Type = ActionNotify
	} else {
		g.Action.Type = ActionType(strings.ToLower(string(g.Action.Type)))
	}
	return g
}
