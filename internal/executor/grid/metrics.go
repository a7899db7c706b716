package grid

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for command outcomes.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	submitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_grid_submits_total",
			Help: "Total number of grid job submissions by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	submitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sluice_grid_submit_duration_seconds",
			Help:    "Wall time of grid submit commands, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	queueRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_grid_queue_refreshes_total",
			Help: "Total number of bulk queue snapshot refreshes by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(submitsTotal)
	prometheus.MustRegister(submitDuration)
	prometheus.MustRegister(queueRefreshesTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, backend := range []string{"slurm", "bridge"} {
		for _, outcome := range []string{outcomeOK, outcomeError} {
			submitsTotal.WithLabelValues(backend, outcome)
			queueRefreshesTotal.WithLabelValues(backend, outcome)
		}
	}
}
