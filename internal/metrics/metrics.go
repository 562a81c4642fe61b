package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters shared across workers. These are the only mutable
// in-memory state shared between partitions.
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "decisions_total",
		Help:      "Decisions emitted, by terminal category.",
	}, []string{"decision"})

	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "duplicates_skipped_total",
		Help:      "Transactions skipped by the idempotency gate.",
	})

	SchemaInvalidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "schema_invalid_total",
		Help:      "Inbound messages dropped to the dead-letter topic.",
	})

	ModelFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "model_fallbacks_total",
		Help:      "Evaluations where the model abstained (disabled or failed).",
	})

	SinkRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "sink_retries_total",
		Help:      "Bounded in-band retries of the decision sink, by effect.",
	}, []string{"effect"})

	SinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "sink_failures_total",
		Help:      "Sink operations that exhausted their retries, by effect.",
	}, []string{"effect"})

	ScoringLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraud",
		Name:      "scoring_latency_seconds",
		Help:      "End-to-end evaluation latency per transaction.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)
