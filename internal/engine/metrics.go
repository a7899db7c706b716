package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for terminal task outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCached    = "cached"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_engine_tasks_total",
			Help: "Total number of tasks reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	activeTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sluice_engine_active_tasks",
			Help: "Number of admitted tasks not yet in a terminal state.",
		},
	)

	submitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sluice_engine_submit_duration_seconds",
			Help:    "Wall time of task submissions, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	pollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sluice_engine_poll_cycle_duration_seconds",
			Help:    "Wall time of one monitor cycle over all active tasks, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(activeTasks)
	prometheus.MustRegister(submitDuration)
	prometheus.MustRegister(pollCycleDuration)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, outcome := range []string{outcomeCompleted, outcomeFailed, outcomeCached} {
		tasksTotal.WithLabelValues(outcome)
	}
}
