package gbatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"

	selectionFit      = "fit"
	selectionFallback = "fallback"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_gbatch_jobs_total",
			Help: "Cloud Batch job create calls by outcome.",
		},
		[]string{"outcome"},
	)

	machineSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sluice_gbatch_machine_selections_total",
			Help: "Machine type selections by outcome (fit or provider fallback).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(machineSelectionsTotal)

	// Pre-initialize label combinations so the series exist at startup.
	for _, outcome := range []string{outcomeOK, outcomeError} {
		jobsTotal.WithLabelValues(outcome)
	}
	for _, outcome := range []string{selectionFit, selectionFallback} {
		machineSelectionsTotal.WithLabelValues(outcome)
	}
}
