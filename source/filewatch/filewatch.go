// Package filewatch polls directories for created, modified and deleted
// files and publishes debounced file_change events.
//
// Polling is deliberate: the runtime targets mounted and network
// filesystems where inotify delivery is unreliable, and the snapshot diff
// gives deterministic created/modified/deleted classification.
package filewatch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/observability"
)

const sourceName = "file_watcher"

// Change kinds staged by the snapshot diff.
const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// WatcherConfig describes one watched directory.
type WatcherConfig struct {
	ID              string   `yaml:"id" json:"id"`
	Path            string   `yaml:"path" json:"path"`
	Patterns        []string `yaml:"patterns" json:"patterns"`
	Events          []string `yaml:"events" json:"events"`
	Recursive       *bool    `yaml:"recursive" json:"recursive"`
	DebounceSeconds float64  `yaml:"debounce_seconds" json:"debounce_seconds"`
	IgnorePatterns  []string `yaml:"ignore_patterns" json:"ignore_patterns"`
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if len(c.Patterns) == 0 {
		c.Patterns = []string{"*"}
	}
	if len(c.Events) == 0 {
		c.Events = []string{ChangeCreated, ChangeModified, ChangeDeleted}
	}
	if c.Recursive == nil {
		r := true
		c.Recursive = &r
	}
	if c.DebounceSeconds <= 0 {
		c.DebounceSeconds = 1.0
	}
	return c
}

// Validate rejects configs that cannot be watched.
func (c WatcherConfig) Validate() error {
	if c.ID == "" {
		return core.NewRuntimeError("filewatch.Validate", "config",
			fmt.Errorf("%w: watcher id required", core.ErrConfigInvalid))
	}
	if c.Path == "" {
		return core.NewRuntimeError("filewatch.Validate", "config",
			fmt.Errorf("%w: watch path required", core.ErrConfigInvalid)).WithID(c.ID)
	}
	for _, kind := range c.Events {
		switch kind {
		case ChangeCreated, ChangeModified, ChangeDeleted:
		default:
			return core.NewRuntimeError("filewatch.Validate", "config",
				fmt.Errorf("%w: unknown change kind %q", core.ErrConfigInvalid, kind)).WithID(c.ID)
		}
	}
	for _, p := range append(append([]string{}, c.Patterns...), c.IgnorePatterns...) {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return core.NewRuntimeError("filewatch.Validate", "config",
				fmt.Errorf("%w: bad glob %q", core.ErrConfigInvalid, p)).WithID(c.ID)
		}
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
}

type watcher struct {
	cfg      WatcherConfig
	kinds    map[string]bool
	snapshot map[string]fileState
	scanned  bool
	emitted  int
	scanErr  string
}

// WatcherStatus is a point-in-time view of one watcher.
type WatcherStatus struct {
	ID            string `json:"id"`
	Path          string `json:"path"`
	TrackedFiles  int    `json:"tracked_files"`
	EventsEmitted int    `json:"events_emitted"`
	PendingEvents int    `json:"pending_events"`
	LastError     string `json:"last_error,omitempty"`
}

type pendingKey struct {
	watcherID string
	path      string
	kind      string
}

// Watcher polls a set of directories on one shared goroutine and
// publishes debounced change events.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*watcher
	pending  map[pendingKey]time.Time
	started  bool
	cancel   chan struct{}
	wg       sync.WaitGroup

	publisher core.Publisher
	logger    core.Logger
	now       core.Clock
	interval  time.Duration
}

// Option customizes watcher construction.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(l core.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithPollInterval overrides the scan cadence.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock overrides the debounce time source. Used by tests.
func WithClock(now core.Clock) Option {
	return func(w *Watcher) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWatcher creates a stopped watcher publishing to pub.
func NewWatcher(pub core.Publisher, opts ...Option) *Watcher {
	w := &Watcher{
		watchers:  make(map[string]*watcher),
		pending:   make(map[pendingKey]time.Time),
		publisher: pub,
		logger:    &core.NoOpLogger{},
		now:       time.Now,
		interval:  time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddWatcher registers a directory. The first scan after registration
// establishes the baseline snapshot; pre-existing files do not emit
// created events.
func (w *Watcher) AddWatcher(cfg WatcherConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	kinds := make(map[string]bool, len(cfg.Events))
	for _, k := range cfg.Events {
		kinds[k] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.watchers[cfg.ID]; exists {
		return core.NewRuntimeError("filewatch.AddWatcher", "config",
			fmt.Errorf("%w: duplicate watcher id", core.ErrConfigInvalid)).WithID(cfg.ID)
	}
	w.watchers[cfg.ID] = &watcher{
		cfg:      cfg,
		kinds:    kinds,
		snapshot: make(map[string]fileState),
	}
	return nil
}

// RemoveWatcher stops tracking a directory and drops its pending events.
func (w *Watcher) RemoveWatcher(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[id]; !ok {
		return false
	}
	delete(w.watchers, id)
	for key := range w.pending {
		if key.watcherID == id {
			delete(w.pending, key)
		}
	}
	return true
}

// Start launches the shared polling loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return core.ErrAlreadyStarted
	}
	w.started = true
	w.cancel = make(chan struct{})
	w.wg.Add(1)
	go w.loop(w.cancel)
	w.logger.Info("File watcher started", map[string]interface{}{
		"watchers":      len(w.watchers),
		"poll_interval": w.interval.String(),
	})
	return nil
}

// Stop cancels the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.cancel)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("File watcher stopped", nil)
}

func (w *Watcher) loop(cancel <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

// cycle runs one poll: diff every watcher's directory against its
// snapshot, stage changes, then flush pending events that have been quiet
// for their debounce window.
func (w *Watcher) cycle() {
	now := w.now()

	w.mu.Lock()
	for _, wt := range w.watchers {
		w.scan(wt, now)
	}
	due := w.takeDue(now)
	w.mu.Unlock()

	for _, ev := range due {
		w.publisher.Publish(ev)
	}
}

// scan diffs one watcher. Caller holds w.mu.
func (w *Watcher) scan(wt *watcher, now time.Time) {
	current, err := w.snapshotDir(wt.cfg)
	if err != nil {
		wt.scanErr = err.Error()
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		w.logger.Warn("Directory scan failed", map[string]interface{}{
			"watcher_id": wt.cfg.ID,
			"path":       wt.cfg.Path,
			"error":      err.Error(),
		})
		return
	}
	wt.scanErr = ""

	if !wt.scanned {
		// Baseline scan: record state, emit nothing.
		wt.snapshot = current
		wt.scanned = true
		return
	}

	for path, cur := range current {
		prev, existed := wt.snapshot[path]
		switch {
		case !existed:
			w.stage(wt, path, ChangeCreated, now)
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			w.stage(wt, path, ChangeModified, now)
		}
	}
	for path := range wt.snapshot {
		if _, exists := current[path]; !exists {
			w.stage(wt, path, ChangeDeleted, now)
		}
	}
	wt.snapshot = current
}

// stage records a pending change. Re-staging the same key restarts its
// debounce clock, so the event fires once the file has been quiet for the
// full window.
func (w *Watcher) stage(wt *watcher, path, kind string, now time.Time) {
	if !wt.kinds[kind] {
		return
	}
	w.pending[pendingKey{watcherID: wt.cfg.ID, path: path, kind: kind}] = now
}

// takeDue removes and returns events whose debounce window has elapsed.
// Caller holds w.mu.
func (w *Watcher) takeDue(now time.Time) []*core.Event {
	var due []*core.Event
	for key, queuedAt := range w.pending {
		wt, ok := w.watchers[key.watcherID]
		if !ok {
			delete(w.pending, key)
			continue
		}
		debounce := time.Duration(wt.cfg.DebounceSeconds * float64(time.Second))
		if now.Sub(queuedAt) < debounce {
			continue
		}
		delete(w.pending, key)
		wt.emitted++
		due = append(due, core.NewEvent("file_change", sourceName+":"+key.watcherID,
			map[string]interface{}{
				"watcher_id": key.watcherID,
				"path":       key.path,
				"event_type": key.kind,
				"watch_path": wt.cfg.Path,
			}, core.PriorityMedium))
	}
	return due
}

// snapshotDir captures (mtime, size) for every included file.
func (w *Watcher) snapshotDir(cfg WatcherConfig) (map[string]fileState, error) {
	out := make(map[string]fileState)
	record := func(path string, info fs.FileInfo) {
		if !w.included(cfg, path, info.Name()) {
			return
		}
		out[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}

	if *cfg.Recursive {
		err := filepath.WalkDir(cfg.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// A file deleted mid-walk is a diff for the next cycle.
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			record(path, info)
			return nil
		})
		return out, err
	}

	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		record(filepath.Join(cfg.Path, entry.Name()), info)
	}
	return out, nil
}

// included applies the pattern and ignore rules: the name must match one
// include glob and neither the name nor the full path may match an ignore
// glob.
func (w *Watcher) included(cfg WatcherConfig, path, name string) bool {
	matched := false
	for _, p := range cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, p := range cfg.IgnorePatterns {
		if ok, _ := filepath.Match(p, name); ok {
			return false
		}
		if ok, _ := filepath.Match(p, path); ok {
			return false
		}
	}
	return true
}

// Status returns a snapshot per watcher, keyed by id.
func (w *Watcher) Status() map[string]WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]WatcherStatus, len(w.watchers))
	for id, wt := range w.watchers {
		pending := 0
		for key := range w.pending {
			if key.watcherID == id {
				pending++
			}
		}
		out[id] = WatcherStatus{
			ID:            id,
			Path:          wt.cfg.Path,
			TrackedFiles:  len(wt.snapshot),
			EventsEmitted: wt.emitted,
			PendingEvents: pending,
			LastError:     wt.scanErr,
		}
	}
	return out
}
