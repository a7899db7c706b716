package throttle

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call outcomes.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
	outcomeRetry = "retry"
)

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_remote_calls_total",
			Help: "Total number of throttled remote API calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	throttleWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sluice_remote_throttle_wait_seconds",
			Help:    "Time spent waiting for the rate limiter before a remote call, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(throttleWait)
}
