package logmon

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-agent/vigil/core"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*core.Event
}

func (p *capturePublisher) Publish(ev *core.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *capturePublisher) all() []*core.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*core.Event, len(p.events))
	copy(out, p.events)
	return out
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		_, err := f.WriteString(line + "\n")
		require.NoError(t, err)
	}
}

func newTestMonitor(t *testing.T, path string, mutate func(*MonitorConfig)) (*Monitor, *capturePublisher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)}
	pub := &capturePublisher{}
	m := NewMonitor(pub, WithClock(clock.now))

	cfg := MonitorConfig{ID: "m1", Path: path, Patterns: []string{"ERROR"}}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, m.AddMonitor(cfg))
	return m, pub, clock
}

func TestOnlyNewContentIsMonitored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "ERROR old failure", "ERROR another old failure")

	m, pub, _ := newTestMonitor(t, path, nil)
	m.cycle()
	assert.Empty(t, pub.all(), "content before registration is ignored")

	appendLines(t, path, "ERROR fresh failure")
	m.cycle()
	require.Len(t, pub.all(), 1)
}

func TestEmitPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, _ := newTestMonitor(t, path, func(cfg *MonitorConfig) {
		cfg.Patterns = []string{"ERROR", "regex:timeout \\d+ms"}
		cfg.Priority = "critical"
	})

	appendLines(t, path,
		"ERROR db connection lost",
		"request timeout 4500ms",
		"all fine here",
	)
	m.cycle()

	evs := pub.all()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, "log_pattern", ev.Type)
	assert.Equal(t, "log_monitor:m1", ev.Source)
	assert.Equal(t, core.PriorityCritical, ev.Priority)
	assert.Equal(t, "m1", ev.Payload["monitor_id"])
	assert.Equal(t, 2, ev.Payload["match_count"])
	assert.Equal(t, []string{"ERROR", "regex:timeout \\d+ms"}, ev.Payload["patterns_matched"])
	assert.Equal(t, []string{"ERROR db connection lost", "request timeout 4500ms"}, ev.Payload["sample_lines"])
}

func TestSampleLinesBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, _ := newTestMonitor(t, path, nil)

	for i := 0; i < maxSampleLines+3; i++ {
		appendLines(t, path, "ERROR repeated")
	}
	m.cycle()

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, maxSampleLines+3, evs[0].Payload["match_count"])
	assert.Len(t, evs[0].Payload["sample_lines"], maxSampleLines)
}

func TestLiteralPatternsAreEscaped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, _ := newTestMonitor(t, path, func(cfg *MonitorConfig) {
		cfg.Patterns = []string{"error."}
	})

	appendLines(t, path, "errorX should not match", "a real error. here")
	m.cycle()

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, 1, evs[0].Payload["match_count"])
}

func TestThresholdAccumulatesAcrossCycles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, clock := newTestMonitor(t, path, func(cfg *MonitorConfig) {
		cfg.ThresholdCount = 3
		cfg.WindowSeconds = 60
	})

	appendLines(t, path, "ERROR one")
	m.cycle()
	clock.advance(5 * time.Second)
	appendLines(t, path, "ERROR two")
	m.cycle()
	assert.Empty(t, pub.all(), "two matches under threshold three")

	clock.advance(5 * time.Second)
	appendLines(t, path, "ERROR three")
	m.cycle()
	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, 3, evs[0].Payload["match_count"])

	// History cleared on emit: the next single match starts from zero.
	appendLines(t, path, "ERROR four")
	m.cycle()
	assert.Len(t, pub.all(), 1)
}

func TestWindowEvictsOldMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, clock := newTestMonitor(t, path, func(cfg *MonitorConfig) {
		cfg.ThresholdCount = 2
		cfg.WindowSeconds = 10
	})

	appendLines(t, path, "ERROR one")
	m.cycle()

	clock.advance(15 * time.Second)
	appendLines(t, path, "ERROR two")
	m.cycle()
	assert.Empty(t, pub.all(), "first match aged out of the window")
}

func TestRotationResetsPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "a long line of history before rotation")

	m, pub, _ := newTestMonitor(t, path, nil)
	m.cycle()

	// Rotate: replace with a shorter file.
	require.NoError(t, os.WriteFile(path, []byte("ERROR after rotate\n"), 0o644))
	m.cycle()

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Payload["sample_lines"], "ERROR after rotate")
}

func TestMissingFileAppearsLater(t *testing.T) {
	path := filepath.Join(t.TempDir(), "later.log")

	m, pub, _ := newTestMonitor(t, path, nil)
	m.cycle()
	assert.NotEmpty(t, m.Status()["m1"].LastError)

	appendLines(t, path, "ERROR now it exists")
	m.cycle()
	require.Len(t, pub.all(), 1)
	assert.Empty(t, m.Status()["m1"].LastError)
}

func TestPartialLineHeldUntilComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	m, pub, _ := newTestMonitor(t, path, nil)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ERR")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m.cycle()
	assert.Empty(t, pub.all(), "incomplete line not matched yet")

	appendLines(t, path, "OR completed now")
	m.cycle()
	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Contains(t, evs[0].Payload["sample_lines"], "ERROR completed now")
}

func TestValidate(t *testing.T) {
	m := NewMonitor(&capturePublisher{})

	assert.Error(t, m.AddMonitor(MonitorConfig{Path: "/x", Patterns: []string{"a"}}), "missing id")
	assert.Error(t, m.AddMonitor(MonitorConfig{ID: "m", Patterns: []string{"a"}}), "missing path")
	assert.Error(t, m.AddMonitor(MonitorConfig{ID: "m", Path: "/x"}), "no patterns")
	assert.Error(t, m.AddMonitor(MonitorConfig{ID: "m", Path: "/x", Patterns: []string{"regex:["}}), "bad regex")

	require.NoError(t, m.AddMonitor(MonitorConfig{ID: "m", Path: "/x", Patterns: []string{"a"}}))
	assert.Error(t, m.AddMonitor(MonitorConfig{ID: "m", Path: "/x", Patterns: []string{"a"}}), "duplicate id")
	assert.True(t, m.RemoveMonitor("m"))
	assert.False(t, m.RemoveMonitor("m"))
}

func TestLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	appendLines(t, path, "boot")

	pub := &capturePublisher{}
	m := NewMonitor(pub, WithPollInterval(10*time.Millisecond))
	require.NoError(t, m.AddMonitor(MonitorConfig{ID: "m1", Path: path, Patterns: []string{"ERROR"}}))

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), core.ErrAlreadyStarted)

	appendLines(t, path, "ERROR live")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(pub.all()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, pub.all())

	m.Stop()
	m.Stop()
}
