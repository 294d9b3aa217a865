// Package metrics publishes the runtime's Prometheus metrics, organized
// around per-pipeline job dispatch: job counts by pipeline and status,
// dispatch lag, retries, and circuit-breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by pipeline and status (queued/running/terminal).
	JobsTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Number of jobs by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	// JobDuration tracks wall time from startedAt to completedAt.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidequest",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job handler execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27m
		},
		[]string{"pipeline", "status"},
	)

	// DispatchLag measures delay between job:created and job:started.
	DispatchLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidequest",
			Subsystem: "scheduler",
			Name:      "dispatch_lag_seconds",
			Help:      "Delay between job creation and dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"pipeline"},
	)

	// QueueDepth tracks jobs currently queued, per pipeline.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of jobs currently queued",
		},
		[]string{"pipeline"},
	)

	// ActiveJobs tracks jobs currently running, per pipeline.
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "scheduler",
			Name:      "active_jobs",
			Help:      "Number of jobs currently running",
		},
		[]string{"pipeline"},
	)

	// RetriesTotal counts retry successors scheduled, per pipeline.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidequest",
			Subsystem: "retries",
			Name:      "total",
			Help:      "Total number of retry successor jobs scheduled",
		},
		[]string{"pipeline"},
	)

	// CircuitBreakerTrips counts retry chains terminated by the hard
	// MaxAbsoluteAttempts ceiling.
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidequest",
			Subsystem: "retries",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total retry chains terminated by the circuit breaker",
		},
		[]string{"pipeline"},
	)

	// GitCircuitBreakerState reports the GitHub-call circuit breaker state
	// (0=closed, 1=half-open, 2=open) the Git Workflow Manager wraps its PR
	// creation calls in.
	GitCircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "gitworkflow",
			Name:      "circuit_breaker_state",
			Help:      "GitHub PR-creation circuit breaker state (0=closed,1=half-open,2=open)",
		},
	)

	// ActiveNodes tracks replicas currently registered with the
	// coordinator (leader election pool size), not job-executing hosts —
	// the orchestrator is a singleton dispatcher, not a fleet.
	ActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "cluster",
			Name:      "active_nodes",
			Help:      "Number of orchestrator replicas currently registered",
		},
	)

	// ActivityFeedSize reports the current size of the activity ring.
	ActivityFeedSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sidequest",
			Subsystem: "activity",
			Name:      "feed_size",
			Help:      "Number of entries currently held in the activity feed",
		},
	)
)

// RecordJobTerminal records a job reaching a terminal state.
func RecordJobTerminal(pipeline, status string, durationSeconds float64) {
	JobDuration.WithLabelValues(pipeline, status).Observe(durationSeconds)
}

// RecordDispatch records a job moving from queued to running.
func RecordDispatch(pipeline string, lagSeconds float64) {
	DispatchLag.WithLabelValues(pipeline).Observe(lagSeconds)
}
