package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	lastRunFindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustmarket",
		Subsystem: "reconciliation",
		Name:      "last_run_findings",
		Help:      "Number of mismatches found in the last reconciliation run.",
	})

	lastRunChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustmarket",
		Subsystem: "reconciliation",
		Name:      "last_run_checked",
		Help:      "Number of chats examined in the last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trustmarket",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustmarket",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		lastRunFindings,
		lastRunChecked,
		reconcileDuration,
		reconcileErrors,
	)
}
