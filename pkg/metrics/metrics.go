// Package metrics defines the Prometheus collectors exposed at /metrics.
// Collectors register on the default registry at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs entering each terminal or transitional state.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibed_jobs_total",
		Help: "Number of job state transitions, labelled by the state entered.",
	}, []string{"state"})

	// JobIterations observes how many iterations each finished job consumed.
	JobIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vibed_job_iterations",
		Help:    "Iterations consumed per finished job.",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	})

	// LLMRequestsTotal counts provider calls by model variant and outcome.
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibed_llm_requests_total",
		Help: "LLM provider requests, labelled by model variant and outcome.",
	}, []string{"model", "outcome"})

	// LLMTokensTotal counts tokens by model variant and kind (prompt or
	// completion).
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vibed_llm_tokens_total",
		Help: "LLM tokens consumed, labelled by model variant and token kind.",
	}, []string{"model", "kind"})

	// PreflightDuration observes per-stage preflight wall time.
	PreflightDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vibed_preflight_duration_seconds",
		Help:    "Preflight stage duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})

	// EventsPublishedTotal counts events written to the job event log.
	EventsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vibed_events_published_total",
		Help: "Events appended to the job event log.",
	})
)
