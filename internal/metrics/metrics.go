// Package metrics holds the Prometheus collectors shared across Arena.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

var (
	// UpstreamAttempts counts upstream HTTP attempts by outcome
	// (ok, retryable, error, timeout).
	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "Upstream chat-completion attempts by outcome.",
	}, []string{"outcome"})

	// UpstreamBackoff observes how long the client slept before a retry.
	UpstreamBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "backoff_seconds",
		Help:      "Sleep before an upstream retry.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 15},
	})

	// StreamEvents counts fan-out events by type.
	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "events_total",
		Help:      "Events emitted on fan-out streams.",
	}, []string{"type"})

	// ModelLatency observes per-model stream duration by outcome (done, error).
	ModelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "model_latency_seconds",
		Help:      "Wall time of one model's stream.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"outcome"})

	// ActiveTurns is the number of fan-out turns still streaming.
	ActiveTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "active_turns",
		Help:      "Turns whose model tasks have not all settled.",
	})

	// PersistFailures counts response rows that could not be created or finalized.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "persist_failures_total",
		Help:      "Response row writes that failed.",
	}, []string{"op"})

	// RateLimitDecisions counts limiter outcomes (allowed, denied, error).
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions.",
	}, []string{"decision"})

	// JudgeCalls counts judge requests by provider and outcome.
	JudgeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "calls_total",
		Help:      "Judge model calls.",
	}, []string{"provider", "outcome"})

	// FlagsWritten counts behavioral flags persisted by type.
	FlagsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "judge",
		Name:      "flags_written_total",
		Help:      "Behavioral flags written.",
	}, []string{"flag_type"})

	// JobsFinished counts workflow runs by function and terminal stage.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "jobs_finished_total",
		Help:      "Workflow jobs that reached a terminal stage.",
	}, []string{"function", "stage"})

	// JobRetries counts scheduled retries by function.
	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "job_retries_total",
		Help:      "Workflow job attempts that failed and were rescheduled.",
	}, []string{"function"})

	// BackfillEnqueued counts sessions re-sent by the backfill sweep.
	BackfillEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backfill",
		Name:      "enqueued_total",
		Help:      "Sessions re-triggered by the backfill sweep.",
	})
)

// Handler serves the default registry for gin.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
