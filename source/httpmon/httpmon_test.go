package httpmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-agent/vigil/core"
)

// capturePublisher records published events.
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

func (p *capturePublisher) waitFor(t *testing.T, n int) []*core.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := p.all(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(p.all()))
	return nil
}

func endpointFor(url string) EndpointConfig {
	return EndpointConfig{
		ID:              "api",
		URL:             url,
		IntervalSeconds: 1,
	}
}

func TestCheckAlertOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: endpointFor(srv.URL).withDefaults()}

	m.check(context.Background(), ep)

	evs := pub.all()
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, "http_check", ev.Type)
	assert.Equal(t, "http_monitor:api", ev.Source)
	assert.Equal(t, core.PriorityHigh, ev.Priority)
	assert.Equal(t, false, ev.Payload["success"])
	assert.Equal(t, http.StatusServiceUnavailable, ev.Payload["status_code"])
	assert.Equal(t, false, ev.Payload["recovered"])
}

func TestCheckHealthyEmitsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: endpointFor(srv.URL).withDefaults()}

	m.check(context.Background(), ep)
	m.check(context.Background(), ep)
	assert.Empty(t, pub.all())
}

func TestCheckUnexpectedStatusOutsideAlertListEmitsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: endpointFor(srv.URL).withDefaults()}

	m.check(context.Background(), ep)
	assert.Empty(t, pub.all(), "404 is a failure but not an alert status")
}

func TestCheckDegradedOnSlowResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := endpointFor(srv.URL)
	cfg.ResponseTimeThresholdMS = 1

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: cfg.withDefaults()}

	m.check(context.Background(), ep)

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, core.PriorityMedium, evs[0].Priority)
	assert.Equal(t, true, evs[0].Payload["success"])
}

func TestCheckRecoveryAfterFailure(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: endpointFor(srv.URL).withDefaults()}

	m.check(context.Background(), ep)
	healthy.Store(true)
	m.check(context.Background(), ep)

	evs := pub.all()
	require.Len(t, evs, 2)
	assert.Equal(t, core.PriorityHigh, evs[0].Priority)
	assert.Equal(t, core.PriorityLow, evs[1].Priority, "recovery is low priority")
	assert.Equal(t, true, evs[1].Payload["recovered"])
}

func TestCheckTimeoutAlerts(t *testing.T) {
	started := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := endpointFor(srv.URL)
	cfg.TimeoutSeconds = 1

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: cfg.withDefaults()}

	m.check(context.Background(), ep)
	<-started

	evs := pub.all()
	require.Len(t, evs, 1)
	assert.Equal(t, core.PriorityHigh, evs[0].Priority)
	assert.Equal(t, false, evs[0].Payload["success"])
	assert.NotEmpty(t, evs[0].Payload["error"])
}

func TestAlertDedupKeyStableAcrossProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := endpointFor(srv.URL)
	cfg.DedupWindowSeconds = 60

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	ep := &endpoint{cfg: cfg.withDefaults()}

	m.check(context.Background(), ep)
	m.check(context.Background(), ep)

	evs := pub.all()
	require.Len(t, evs, 2)
	assert.Equal(t, evs[0].DedupKey, evs[1].DedupKey,
		"response time must not perturb the alert fingerprint")
	assert.Equal(t, 60*time.Second, evs[0].DedupWindow)
}

func TestMonitorLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	pub := &capturePublisher{}
	m := NewMonitor(pub)
	cfg := endpointFor(srv.URL)
	cfg.DedupWindowSeconds = 0
	require.NoError(t, m.AddEndpoint(cfg))

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), core.ErrAlreadyStarted)

	pub.waitFor(t, 1)
	status := m.Status()
	require.Contains(t, status, "api")
	assert.False(t, status["api"].LastSuccess)
	assert.Equal(t, http.StatusServiceUnavailable, status["api"].LastStatusCode)
	assert.GreaterOrEqual(t, status["api"].ChecksRun, 1)

	m.Stop()
	m.Stop()
}

func TestAddEndpointValidation(t *testing.T) {
	m := NewMonitor(&capturePublisher{})

	assert.Error(t, m.AddEndpoint(EndpointConfig{URL: "https://example.com"}), "missing id")
	assert.Error(t, m.AddEndpoint(EndpointConfig{ID: "x", URL: "ftp://example.com"}), "non-http url")

	require.NoError(t, m.AddEndpoint(EndpointConfig{ID: "x", URL: "https://example.com"}))
	assert.Error(t, m.AddEndpoint(EndpointConfig{ID: "x", URL: "https://example.com"}), "duplicate id")

	assert.True(t, m.RemoveEndpoint("x"))
	assert.False(t, m.RemoveEndpoint("x"))
}
