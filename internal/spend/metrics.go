package spend

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "spend",
		Name:      "requests_total",
		Help:      "Spend requests by outcome.",
	}, []string{"outcome"})

	refundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "spend",
		Name:      "refunds_total",
		Help:      "Refund attempts by result (ok, pending).",
	}, []string{"result"})

	sweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "spend",
		Name:      "swept_total",
		Help:      "Stale attempts settled by the sweep, by resolution.",
	}, []string{"resolution"})

	actionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pointledger",
		Subsystem: "spend",
		Name:      "action_duration_seconds",
		Help:      "Wall time of paid actions, including timeouts.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, refundsTotal, sweptTotal, actionDuration)
}
