package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "orders_total",
		Help:      "Orders opened, by result.",
	}, []string{"result"})

	confirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "confirmations_total",
		Help:      "Confirmation attempts, by outcome.",
	}, []string{"outcome"})

	refundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "refunds_total",
		Help:      "Admin payment refunds, by result.",
	}, []string{"result"})

	pointsCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "points_credited_total",
		Help:      "Points credited from settled payments.",
	})

	recoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "recovered_credits_total",
		Help:      "Completed payments credited by the recovery sweep.",
	})

	gatewayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pointledger",
		Subsystem: "payments",
		Name:      "gateway_duration_seconds",
		Help:      "Payment gateway call latency, by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(ordersTotal, confirmationsTotal, refundsTotal, pointsCredited, recoveredTotal, gatewayDuration)
}

var webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pointledger",
	Subsystem: "payments",
	Name:      "webhooks_total",
	Help:      "Gateway webhook deliveries, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(webhooksTotal)
}
