package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "healthoor"

var (
	RunsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Total number of health verification runs created.",
		},
		[]string{"trigger"},
	)

	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs finalized, labeled by how the last child terminated.",
		},
		[]string{"reason"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of check dispatches to workers, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	ResultsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_ingested_total",
			Help:      "Total number of result callbacks processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	SweepForcedChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_forced_checks_total",
			Help:      "Total number of worker checks force-failed by the timeout sweeper.",
		},
	)

	BroadcastDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Total number of broadcast webhook deliveries, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration from run creation to finalization (seconds).",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsCreatedTotal,
		RunsCompletedTotal,
		DispatchesTotal,
		ResultsIngestedTotal,
		SweepForcedChecksTotal,
		BroadcastDeliveriesTotal,
		RunDurationSeconds,
	)
}
