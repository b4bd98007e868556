// Package metrics exposes Prometheus counters for the collection API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionDecisions counts the verdict of each admission stage.
	AdmissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_admission_decisions_total",
			Help: "Admission pipeline decisions by stage and result",
		},
		[]string{"stage", "result"},
	)

	// Transitions counts subscription lifecycle events.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_subscription_transitions_total",
			Help: "Subscription lifecycle events by previous status, new status and result",
		},
		[]string{"from", "to", "result"},
	)

	// JobsProcessed counts dispatcher job outcomes.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_jobs_processed_total",
			Help: "Notification jobs by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// RequestLogDropped counts request log entries lost to a full buffer.
	RequestLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_request_log_dropped_total",
			Help: "Request log entries dropped because the write buffer was full",
		},
	)

	// APIRequestDuration tracks handler latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordAdmission notes one stage decision.
func RecordAdmission(stage, result string) {
	AdmissionDecisions.WithLabelValues(stage, result).Inc()
}

// RecordTransition notes one lifecycle event.
func RecordTransition(from, to, result string) {
	if from == "" {
		from = "none"
	}
	Transitions.WithLabelValues(from, to, result).Inc()
}

// RecordJob notes one finished job attempt sequence.
func RecordJob(kind, outcome string) {
	JobsProcessed.WithLabelValues(kind, outcome).Inc()
}

// RecordAPIRequest observes one finished HTTP request.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}
