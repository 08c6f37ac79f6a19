package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DeltasTotal counts ApplyDelta calls by transaction type and outcome.
	DeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointledger",
			Subsystem: "ledger",
			Name:      "deltas_total",
			Help:      "Balance deltas by transaction type and result.",
		},
		[]string{"type", "result"},
	)

	// DeltaDuration observes ApplyDelta latency by transaction type.
	DeltaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointledger",
			Subsystem: "ledger",
			Name:      "delta_duration_seconds",
			Help:      "Balance delta duration in seconds, including store retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"type"},
	)

	// PointsMoved sums points moved by transaction type.
	PointsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointledger",
			Subsystem: "ledger",
			Name:      "points_moved_total",
			Help:      "Points moved by successful deltas, by transaction type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(DeltasTotal, DeltaDuration, PointsMoved)
}

// observeOp starts timing a delta of txnType. The returned func records the
// outcome label.
func observeOp(txnType string) func(result string) {
	start := time.Now()
	return func(result string) {
		DeltaDuration.WithLabelValues(txnType).Observe(time.Since(start).Seconds())
		DeltasTotal.WithLabelValues(txnType, result).Inc()
	}
}
