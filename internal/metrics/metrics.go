// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package metrics provides Prometheus instrumentation for the intake
// pipeline, the job orchestrator, and the analysis workers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event intake metrics
	EventsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_accepted_total",
			Help: "Total number of events accepted at the intake gateway",
		},
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of event messages published to the broker",
		},
	)

	EventsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_written_total",
			Help: "Total number of new event rows written to the store",
		},
	)

	EventsDuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_duplicates_suppressed_total",
			Help: "Total number of duplicate events suppressed by idempotency key",
		},
	)

	EventsParseFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_parse_failed_total",
			Help: "Total number of event messages that failed to deserialize",
		},
	)

	EventsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "events_stored",
			Help: "Current number of event rows in the store",
		},
	)

	EventWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "event_write_duration_seconds",
			Help:    "Duration of event store writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_seconds",
			Help:    "Duration of broker publishes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	// Job lifecycle metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of analysis jobs submitted",
		},
		[]string{"model"},
	)

	JobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
	)

	JobsSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_succeeded_total",
			Help: "Total number of jobs that completed successfully",
		},
		[]string{"model"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that failed",
		},
		[]string{"model", "reason"}, // reason: plugin, timeout, publish
	)

	JobsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_cancelled_total",
			Help: "Total number of jobs cancelled while queued",
		},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of stuck jobs re-published by the reconciler",
		},
	)

	JobsQueuedDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_queued_depth",
			Help: "Current number of jobs in QUEUED state",
		},
	)

	ModelExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_execution_duration_seconds",
			Help:    "Duration of analysis model runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model"},
	)

	// Upload metrics
	UploadURLsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upload_urls_issued_total",
			Help: "Total number of signed upload URLs issued",
		},
	)

	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "uploads_completed_total",
			Help: "Total number of completed batch uploads",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordPublish records a broker publish and its latency.
func RecordPublish(topic string, duration time.Duration) {
	EventsPublished.Inc()
	PublishDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

// RecordEventWrite records an event store write outcome.
func RecordEventWrite(duration time.Duration, inserted bool) {
	EventWriteDuration.Observe(duration.Seconds())
	if inserted {
		EventsWritten.Inc()
	} else {
		EventsDuplicatesSuppressed.Inc()
	}
}

// RecordModelRun records a model execution and its outcome.
func RecordModelRun(model string, duration time.Duration, err error) {
	ModelExecutionDuration.WithLabelValues(model).Observe(duration.Seconds())
	if err != nil {
		JobsFailed.WithLabelValues(model, "plugin").Inc()
	} else {
		JobsSucceeded.WithLabelValues(model).Inc()
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
