// Package httpmon runs periodic health checks against HTTP endpoints and
// publishes state transitions as events: alerts on failure, degradation on
// slow responses, and recoveries when an endpoint comes back.
package httpmon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/observability"
)

const sourceName = "http_monitor"

// EndpointConfig describes one endpoint to check.
type EndpointConfig struct {
	ID                      string            `yaml:"id" json:"id"`
	URL                     string            `yaml:"url" json:"url"`
	Method                  string            `yaml:"method" json:"method"`
	ExpectedStatus          int               `yaml:"expected_status" json:"expected_status"`
	TimeoutSeconds          int               `yaml:"timeout_seconds" json:"timeout_seconds"`
	IntervalSeconds         int               `yaml:"interval_seconds" json:"interval_seconds"`
	Headers                 map[string]string `yaml:"headers" json:"headers,omitempty"`
	AlertOnStatus           []int             `yaml:"alert_on_status" json:"alert_on_status"`
	AlertOnTimeout          *bool             `yaml:"alert_on_timeout" json:"alert_on_timeout"`
	ResponseTimeThresholdMS float64           `yaml:"response_time_threshold_ms" json:"response_time_threshold_ms"`
	// DedupWindowSeconds suppresses repeated identical alerts on the bus.
	DedupWindowSeconds int `yaml:"dedup_window_seconds" json:"dedup_window_seconds"`
}

func (c EndpointConfig) withDefaults() EndpointConfig {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.ExpectedStatus == 0 {
		c.ExpectedStatus = http.StatusOK
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
	if c.AlertOnStatus == nil {
		c.AlertOnStatus = []int{500, 502, 503, 504}
	}
	if c.AlertOnTimeout == nil {
		t := true
		c.AlertOnTimeout = &t
	}
	if c.ResponseTimeThresholdMS <= 0 {
		c.ResponseTimeThresholdMS = 5000
	}
	if c.DedupWindowSeconds < 0 {
		c.DedupWindowSeconds = 0
	}
	return c
}

// Validate rejects configs that cannot be checked.
func (c EndpointConfig) Validate() error {
	if c.ID == "" {
		return core.NewRuntimeError("httpmon.Validate", "config", fmt.Errorf("%w: endpoint id required", core.ErrConfigInvalid))
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return core.NewRuntimeError("httpmon.Validate", "config", fmt.Errorf("%w: url must be http(s)", core.ErrConfigInvalid)).WithID(c.ID)
	}
	return nil
}

// checkResult is the outcome of one probe.
type checkResult struct {
	success        bool
	statusCode     int
	responseTimeMS float64
	err            string
	timedOut       bool
	checkedAt      time.Time
}

type endpoint struct {
	cfg    EndpointConfig
	cancel context.CancelFunc

	mu        sync.Mutex
	last      *checkResult
	checksRun int
}

// EndpointStatus is a point-in-time view of one endpoint.
type EndpointStatus struct {
	ID                 string    `json:"id"`
	URL                string    `json:"url"`
	ChecksRun          int       `json:"checks_run"`
	LastSuccess        bool      `json:"last_success"`
	LastStatusCode     int       `json:"last_status_code"`
	LastResponseTimeMS float64   `json:"last_response_time_ms"`
	LastError          string    `json:"last_error,omitempty"`
	LastCheckedAt      time.Time `json:"last_checked_at"`
}

// Monitor owns a set of endpoints, each probed by its own goroutine so a
// slow endpoint never delays the others.
type Monitor struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	publisher core.Publisher
	client    *http.Client
	logger    core.Logger
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

// WithHTTPClient overrides the probe client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) {
		if c != nil {
			m.client = c
		}
	}
}

// NewMonitor creates a stopped monitor publishing to pub.
func NewMonitor(pub core.Publisher, opts ...Option) *Monitor {
	m := &Monitor{
		endpoints: make(map[string]*endpoint),
		publisher: pub,
		client:    &http.Client{},
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddEndpoint registers an endpoint. If the monitor is running, probing
// starts immediately.
func (m *Monitor) AddEndpoint(cfg EndpointConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[cfg.ID]; exists {
		return core.NewRuntimeError("httpmon.AddEndpoint", "config",
			fmt.Errorf("%w: duplicate endpoint id", core.ErrConfigInvalid)).WithID(cfg.ID)
	}
	ep := &endpoint{cfg: cfg}
	m.endpoints[cfg.ID] = ep
	if m.started {
		m.launch(ep)
	}
	return nil
}

// RemoveEndpoint stops and forgets an endpoint.
func (m *Monitor) RemoveEndpoint(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return false
	}
	if ep.cancel != nil {
		ep.cancel()
	}
	delete(m.endpoints, id)
	return true
}

// Start launches a probe loop per registered endpoint.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return core.ErrAlreadyStarted
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	for _, ep := range m.endpoints {
		m.launch(ep)
	}
	m.logger.Info("HTTP monitor started", map[string]interface{}{
		"endpoints": len(m.endpoints),
	})
	return nil
}

// Stop cancels all probe loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.client.CloseIdleConnections()
	m.logger.Info("HTTP monitor stopped", nil)
}

// launch starts the probe loop for one endpoint. Caller holds m.mu.
func (m *Monitor) launch(ep *endpoint) {
	ctx, cancel := context.WithCancel(m.ctx)
	ep.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx, ep)
}

func (m *Monitor) run(ctx context.Context, ep *endpoint) {
	defer m.wg.Done()
	interval := time.Duration(ep.cfg.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First check runs immediately so status is populated at startup.
	m.check(ctx, ep)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, ep)
		}
	}
}

func (m *Monitor) check(ctx context.Context, ep *endpoint) {
	result := m.probe(ctx, ep.cfg)
	if ctx.Err() != nil {
		return
	}

	ep.mu.Lock()
	prev := ep.last
	ep.last = &result
	ep.checksRun++
	ep.mu.Unlock()

	if ev := m.transition(ep.cfg, prev, result); ev != nil {
		if !m.publisher.Publish(ev) {
			m.logger.Debug("Check event not accepted by bus", map[string]interface{}{
				"endpoint_id": ep.cfg.ID,
				"event_type":  ev.Type,
			})
		}
	}
}

func (m *Monitor) probe(ctx context.Context, cfg EndpointConfig) checkResult {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	result := checkResult{checkedAt: time.Now().UTC()}
	req, err := http.NewRequestWithContext(reqCtx, cfg.Method, cfg.URL, nil)
	if err != nil {
		result.err = err.Error()
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		return result
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	result.responseTimeMS = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		result.err = err.Error()
		result.timedOut = reqCtx.Err() == context.DeadlineExceeded
		observability.SourceErrors.WithLabelValues(sourceName).Inc()
		return result
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	result.statusCode = resp.StatusCode
	result.success = resp.StatusCode == cfg.ExpectedStatus
	return result
}

// transition decides whether the new result warrants an event.
func (m *Monitor) transition(cfg EndpointConfig, prev *checkResult, cur checkResult) *core.Event {
	alerting := !cur.success &&
		(statusIn(cur.statusCode, cfg.AlertOnStatus) || (cur.timedOut && *cfg.AlertOnTimeout))
	degraded := cur.success && cur.responseTimeMS > cfg.ResponseTimeThresholdMS
	recovered := cur.success && prev != nil && !prev.success

	var priority core.Priority
	switch {
	case alerting:
		priority = core.PriorityHigh
	case degraded:
		priority = core.PriorityMedium
	case recovered:
		priority = core.PriorityLow
	default:
		return nil
	}

	payload := map[string]interface{}{
		"endpoint_id":      cfg.ID,
		"url":              cfg.URL,
		"success":          cur.success,
		"status_code":      cur.statusCode,
		"response_time_ms": cur.responseTimeMS,
		"recovered":        recovered,
	}
	if cur.err != "" {
		payload["error"] = cur.err
	}
	ev := core.NewEvent("http_check", sourceName+":"+cfg.ID, payload, priority)
	if alerting && cfg.DedupWindowSeconds > 0 {
		// Response time varies per probe, so dedup on the stable part of
		// the alert only.
		ev.DedupKey = core.DedupKey(ev.Type, ev.Source, map[string]interface{}{
			"endpoint_id": cfg.ID,
			"status_code": cur.statusCode,
			"success":     cur.success,
		})
		ev.DedupWindow = time.Duration(cfg.DedupWindowSeconds) * time.Second
	}
	return ev
}

func statusIn(code int, set []int) bool {
	for _, s := range set {
		if s == code {
			return true
		}
	}
	return false
}

// Status returns a snapshot per endpoint, keyed by id.
func (m *Monitor) Status() map[string]EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]EndpointStatus, len(m.endpoints))
	for id, ep := range m.endpoints {
		ep.mu.Lock()
		st := EndpointStatus{ID: id, URL: ep.cfg.URL, ChecksRun: ep.checksRun}
		if ep.last != nil {
			st.LastSuccess = ep.last.success
			st.LastStatusCode = ep.last.statusCode
			st.LastResponseTimeMS = ep.last.responseTimeMS
			st.LastError = ep.last.err
			st.LastCheckedAt = ep.last.checkedAt
		}
		ep.mu.Unlock()
		out[id] = st
	}
	return out
}
