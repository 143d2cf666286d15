// Package telemetry holds the Prometheus collectors exported on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDecisions counts limiter outcomes by endpoint class and result
	// (allowed, blocked, fail_open).
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by class and result.",
	}, []string{"class", "result"})

	// RateLimitFactor exposes the current dynamic factors.
	RateLimitFactor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "ratelimit",
		Name:      "dynamic_factor",
		Help:      "Dynamic capacity factor per dimension.",
	}, []string{"dimension"})

	// PriceUSD is the last observed price per symbol.
	PriceUSD = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "prices",
		Name:      "usd",
		Help:      "Last observed USD price per symbol.",
	}, []string{"symbol"})

	// PriceFetches counts upstream price lookups by outcome (hit, fetched, stale, miss).
	PriceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "prices",
		Name:      "lookups_total",
		Help:      "Price lookups by outcome.",
	}, []string{"outcome"})

	// PriceAlertsTriggered counts fired user price alerts.
	PriceAlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "alerts",
		Name:      "price_triggered_total",
		Help:      "User price alerts fired.",
	}, []string{"symbol", "direction"})

	// SystemAlerts counts collector alerts by type.
	SystemAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "monitoring",
		Name:      "alerts_total",
		Help:      "System alerts raised by the metrics collector.",
	}, []string{"type", "level"})

	// DroppedEvents counts events discarded because a bounded buffer was full.
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Name:      "dropped_events_total",
		Help:      "Events dropped by full bounded buffers.",
	}, []string{"buffer"})

	// TaskFailures counts failed scheduled ticks per task key.
	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "scheduler",
		Name:      "tick_failures_total",
		Help:      "Failed scheduled ticks per task.",
	}, []string{"task"})

	// SystemGauge mirrors the last collected system sample.
	SystemGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainwatch",
		Subsystem: "monitoring",
		Name:      "system",
		Help:      "Last collected system metric values.",
	}, []string{"metric"})

	// HTTPRequests counts handled requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "code"})

	// HTTPLatency observes handler latency.
	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chainwatch",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	// JobsProcessed counts queue jobs by queue and result.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainwatch",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Queue jobs by queue and result.",
	}, []string{"queue", "result"})
)
