// Package logmon tails log files for patterns and publishes a log_pattern
// event when matches cross a windowed threshold.
//
// Files are followed by byte position, not inode, so rotation is detected
// by the file shrinking. Only content appended after registration is
// considered.
package logmon

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/observability"
)

const sourceName = "log_monitor"

// maxSampleLines bounds the sample excerpt in the emitted payload.
const maxSampleLines = 5

// MonitorConfig describes one tailed file.
type MonitorConfig struct {
	ID   string `yaml:"id" json:"id"`
	Path string `yaml:"path" json:"path"`
	// Patterns are literal substrings unless prefixed with "regex:".
	Patterns       []string `yaml:"patterns" json:"patterns"`
	WindowSeconds  int      `yaml:"window_seconds" json:"window_seconds"`
	ThresholdCount int      `yaml:"threshold_count" json:"threshold_count"`
	Priority       string   `yaml:"priority" json:"priority"`
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.ThresholdCount <= 0 {
		c.ThresholdCount = 1
	}
	if c.Priority == "" {
		c.Priority = "high"
	}
	return c
}

// Validate rejects configs that cannot be monitored.
func (c MonitorConfig) Validate() error {
	if c.ID == "" {
		return core.NewRuntimeError("logmon.Validate", "config",
			fmt.Errorf("%w: monitor id required", core.ErrConfigInvalid))
	}
	if c.Path == "" {
		return core.NewRuntimeError("logmon.Validate", "config",
			fmt.Errorf("%w: log path required", core.ErrConfigInvalid)).WithID(c.ID)
	}
	if len(c.Patterns) == 0 {
		return core.NewRuntimeError("logmon.Validate", "config",
			fmt.Errorf("%w: at least one pattern required", core.ErrConfigInvalid)).WithID(c.ID)
	}
	for _, p := range c.Patterns {
		if expr, ok := strings.CutPrefix(p, "regex:"); ok {
			if _, err := regexp.Compile(expr); err != nil {
				return core.NewRuntimeError("logmon.Validate", "config",
					fmt.Errorf("%w: bad pattern %q: %v", core.ErrConfigInvalid, p, err)).WithID(c.ID)
			}
		}
	}
	return nil
}

// logMatch is one pattern hit kept in the sliding window.
type logMatch struct {
	pattern    string
	line       string
	lineNumber int64
	matchedAt  time.Time
}

type compiledPattern struct {
	raw string
	re  *regexp.Regexp
}

type monitor struct {
	cfg      MonitorConfig
	patterns []compiledPattern
	priority core.Priority

	position   int64
	lineNumber int64
	partial    string
	history    []logMatch
	emitted    int
	readErr    string
}

// MonitorStatus is a point-in-time view of one monitor.
type MonitorStatus struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	Position       int64  `json:"position"`
	MatchesInQueue int    `json:"matches_in_queue"`
	EventsEmitted  int    `json:"events_emitted"`
	LastError      string `json:"last_error,omitempty"`
}

// Monitor tails a set of files on one shared polling goroutine.
type Monitor struct {
	mu       sync.Mutex
	monitors map[string]*monitor
	started  bool
	cancel   chan struct{}
	wg       sync.WaitGroup

	publisher core.Publisher
	logger    core.Logger
	now       core.Clock
	interval  time.Duration
}

// Option customizes monitor construction.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(l core.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPollInterval overrides the tail cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the window time source. Used by tests.
func WithClock(now core.Clock) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a stopped monitor publishing to pub.
func NewMonitor(pub core.Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		monitors:  make(map[string]*monitor),
		publisher: pub,
		logger:    &core.NoOpLogger{},
		now:       time.Now,
		interval:  time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddMonitor registers a file. Tailing starts at the current end of file
// so only new content is observed.
func (m *Monitor) AddMonitor(cfg MonitorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	patterns := make([]compiledPattern, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		expr, isRegex := strings.CutPrefix(p, "regex:")
		if !isRegex {
			expr = regexp.QuoteMeta(p)
		}
		patterns = append(patterns, compiledPattern{raw: p, re: regexp.MustCompile(expr)})
	}

	var position int64
	if info, err := os.Stat(cfg.Path); err == nil {
		position = info.Size()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.monitors[cfg.ID]; exists {
		return core.NewRuntimeError("logmon.AddMonitor", "config",
			fmt.Errorf("%w: duplicate monitor id", core.ErrConfigInvalid)).WithID(cfg.ID)
	}
	m.monitors[cfg.ID] = &monitor{
		cfg:      cfg,
		patterns: patterns,
		priority: core.ParsePriority(cfg.Priority),
		position: position,
	}
	return nil
}

// RemoveMonitor stops tailing a file.
func (m *Monitor) RemoveMonitor(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.monitors[id]; !ok {
		return false
	}
	delete(m.monitors, id)
	return true
}

// Start launches the shared tail loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return core.ErrAlreadyStarted
	}
	m.started = true
	m.cancel = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.cancel)
	m.logger.Info("Log monitor started", map[string]interface{}{
		"monitors":      len(m.monitors),
		"poll_interval": m.interval.String(),
	})
	return nil
}

// Stop cancels the tail loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.cancel)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Log monitor stopped", nil)
}

func (m *Monitor) loop(cancel <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle runs one tail pass over every monitor.
func (m *Monitor) cycle() {
	now := m.now()

	m.mu.Lock()
	var due []*core.Event
	for _, mon := range m.monitors {
		m.tail(mon, now)
		if ev := m.threshold(mon, now); ev != nil {
			due = append(due, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range due {
		m.publisher.Publish(ev)
	}
}

// tail reads new bytes and records pattern matches. Caller holds m.mu.
func (m *Monitor) tail(mon *monitor, now time.Time) {
	info, err := os.Stat(mon.cfg.Path)
	if err != nil {
		// The file may not exist yet; start from 0 when it appears.
		mon.readErr = err.Error()
		mon.position = 0
		mon.partial = ""
		return
	}
	if info.Size() < mon.position {
		// Rotation: the new file is read from the top.
		mon.position = 0
		mon.partial = ""
	}
	if info.Size() == mon.position {
		mon.readErr = ""
		return
	}

	f, err := os.Open(mon.cfg.Path)
	if err != nil {
		mon.readErr = err.Error()
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		return
	}
	defer f.Close()

	if _, err := f.Seek(mon.position, 0); err != nil {
		mon.readErr = err.Error()
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		return
	}
	buf := make([]byte, info.Size()-mon.position)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		mon.readErr = err.Error()
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		return
	}
	mon.position += int64(n)
	mon.readErr = ""

	// A trailing fragment without a newline is held until the writer
	// completes the line.
	chunk := mon.partial + string(buf[:n])
	lines := strings.Split(chunk, "\n")
	mon.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		mon.lineNumber++
		m.matchLine(mon, line, now)
	}
}

// matchLine tests one line, stopping at the first matching pattern.
func (m *Monitor) matchLine(mon *monitor, line string, now time.Time) {
	for _, p := range mon.patterns {
		if p.re.MatchString(line) {
			mon.history = append(mon.history, logMatch{
				pattern:    p.raw,
				line:       line,
				lineNumber: mon.lineNumber,
				matchedAt:  now,
			})
			return
		}
	}
}

// threshold evicts expired matches and emits when the window crosses the
// configured count. History clears after an emit so one burst produces one
// event. Caller holds m.mu.
func (m *Monitor) threshold(mon *monitor, now time.Time) *core.Event {
	cutoff := now.Add(-time.Duration(mon.cfg.WindowSeconds) * time.Second)
	kept := mon.history[:0]
	for _, match := range mon.history {
		if !match.matchedAt.Before(cutoff) {
			kept = append(kept, match)
		}
	}
	mon.history = kept

	if len(mon.history) < mon.cfg.ThresholdCount {
		return nil
	}

	seen := make(map[string]bool)
	var patternsMatched []string
	var samples []string
	for _, match := range mon.history {
		if !seen[match.pattern] {
			seen[match.pattern] = true
			patternsMatched = append(patternsMatched, match.pattern)
		}
		if len(samples) < maxSampleLines {
			samples = append(samples, match.line)
		}
	}

	ev := core.NewEvent("log_pattern", sourceName+":"+mon.cfg.ID, map[string]interface{}{
		"monitor_id":       mon.cfg.ID,
		"path":             mon.cfg.Path,
		"match_count":      len(mon.history),
		"patterns_matched": patternsMatched,
		"sample_lines":     samples,
		"window_seconds":   mon.cfg.WindowSeconds,
	}, mon.priority)

	mon.history = nil
	mon.emitted++
	return ev
}

// Status returns a snapshot per monitor, keyed by id.
func (m *Monitor) Status() map[string]MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MonitorStatus, len(m.monitors))
	for id, mon := range m.monitors {
		out[id] = MonitorStatus{
			ID:             id,
			Path:           mon.cfg.Path,
			Position:       mon.position,
			MatchesInQueue: len(mon.history),
			EventsEmitted:  mon.emitted,
			LastError:      mon.readErr,
		}
	}
	return out
}
