// Package observability exposes prometheus instrumentation for the Vigil
// runtime. Counters here mirror the structured snapshots the components
// return from their GetMetrics/Status methods; no transport is prescribed,
// the host decides how to serve the default registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts events offered to the bus, accepted or not.
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_events_received_total",
		Help: "Total number of events offered to the bus",
	})

	// EventsProcessed counts events whose handlers all completed.
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_events_processed_total",
		Help: "Total number of events fully processed",
	})

	// EventsDeduplicated counts events suppressed by the dedup cache.
	EventsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_events_deduplicated_total",
		Help: "Total number of events dropped as duplicates",
	})

	// EventsRejected counts events rejected because the queue was full.
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_events_rejected_total",
		Help: "Total number of events rejected at publish time",
	})

	// EventsFailed counts events with at least one handler that exhausted
	// its retries.
	EventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_events_failed_total",
		Help: "Total number of events routed to the dead-letter queue",
	})

	// HandlersInvoked counts individual handler invocations, retries
	// included.
	HandlersInvoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_handlers_invoked_total",
		Help: "Total number of handler invocations including retries",
	})

	// QueueDepth tracks the number of events waiting on the bus.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_queue_depth",
		Help: "Current number of events in the bus priority queue",
	})

	// DLQSize tracks the dead-letter queue size.
	DLQSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_dlq_size",
		Help: "Current number of entries in the dead-letter queue",
	})

	// Decisions counts decisions produced by the decision engine.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_decisions_total",
		Help: "Total number of decisions produced by type",
	}, []string{"decision"})

	// ActionsExecuted counts host executor invocations by outcome.
	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_actions_executed_total",
		Help: "Total number of executed actions by outcome",
	}, []string{"outcome"})

	// ActionsThrottled counts ACT decisions skipped by global limits.
	ActionsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_actions_throttled_total",
		Help: "ACT decisions skipped by the global rate or concurrency limit",
	})

	// SourceErrors counts transient source failures by source kind.
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_source_errors_total",
		Help: "Transient observation source errors",
	}, []string{"source"})
)
