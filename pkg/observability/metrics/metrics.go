// Package metrics defines the Prometheus instruments for the admission core.
// All instruments are registered on the default registry and exposed through
// promhttp by cmd/gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intellirate_admissions_total",
			Help: "Admission decisions by tier and result.",
		},
		[]string{"tier", "result"},
	)

	retryAfterSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intellirate_retry_after_seconds",
			Help:    "Retry-after durations handed to denied subjects.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	storeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intellirate_store_errors_total",
			Help: "Quota/cache store operations that failed.",
		},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intellirate_prediction_cache_lookups_total",
			Help: "Prediction cache lookups by outcome (hit, miss, shared).",
		},
		[]string{"outcome"},
	)

	predictionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intellirate_prediction_duration_seconds",
			Help:    "Prediction latency by source.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intellirate_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intellirate_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	decisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intellirate_decision_duration_seconds",
			Help:    "End-to-end decision latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	droppedEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intellirate_dropped_decision_events_total",
			Help: "Decision events dropped because the sink buffer was full.",
		},
	)
)

// RecordAdmission records one admission decision.
func RecordAdmission(tier string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	admissionsTotal.WithLabelValues(tier, result).Inc()
}

// RecordRetryAfter records the retry-after handed to a denied subject.
func RecordRetryAfter(seconds float64) {
	retryAfterSeconds.Observe(seconds)
}

// RecordStoreError counts a failed shared-store operation.
func RecordStoreError() {
	storeErrorsTotal.Inc()
}

// RecordCacheLookup records a prediction cache outcome: "hit" when the entry
// was served from the store, "miss" when compute ran, "shared" when the
// caller piggybacked on an in-flight computation.
func RecordCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordPrediction records prediction latency for the given source.
func RecordPrediction(source string, seconds float64) {
	predictionLatency.WithLabelValues(source).Observe(seconds)
}

// SetBreakerState publishes the current breaker state.
func SetBreakerState(state float64) {
	breakerState.Set(state)
}

// RecordBreakerTransition counts a breaker state transition.
func RecordBreakerTransition(from, to string) {
	breakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordDecision records end-to-end decision latency.
func RecordDecision(seconds float64) {
	decisionLatency.Observe(seconds)
}

// RecordDroppedEvent counts a decision event dropped on a full sink.
func RecordDroppedEvent() {
	droppedEventsTotal.Inc()
}
