// Package telemetry adapts the OpenTelemetry API to the minimal Telemetry
// interface the runtime components accept. It binds to whatever global
// tracer and meter providers the host process installs; without an SDK
// configured the calls are no-ops, matching the runtime's defaults.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vigil-agent/vigil/core"
)

const scopeName = "github.com/vigil-agent/vigil"

// OTel implements core.Telemetry on the OpenTelemetry API.
type OTel struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New binds to the process-global providers.
func New() *OTel {
	return &OTel{
		tracer:   otel.Tracer(scopeName),
		meter:    otel.Meter(scopeName),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan opens a span named name under the current span in ctx.
func (t *OTel) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds value to a counter named name with the given labels.
// Counters are created on first use and cached.
func (t *OTel) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	counter, ok := t.counters[name]
	if !ok {
		var err error
		counter, err = t.meter.Float64Counter(name)
		if err != nil {
			t.mu.Unlock()
			return
		}
		t.counters[name] = counter
	}
	t.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
