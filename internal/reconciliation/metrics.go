package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of balance/history mismatches found in last reconciliation run.",
	})

	reconcileSpendsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "spends_settled_total",
		Help:      "Stale spend attempts refunded or abandoned by reconciliation.",
	})

	reconcilePaymentsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "payments_recovered_total",
		Help:      "Completed-but-uncredited payments credited by reconciliation.",
	})

	alertsRaised = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "alerts_total",
		Help:      "Invariant alerts raised.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileSpendsSettled,
		reconcilePaymentsRecovered,
		alertsRaised,
		reconcileDuration,
		reconcileErrors,
	)
}
