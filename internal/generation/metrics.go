package generation

import "github.com/prometheus/client_golang/prometheus"

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "pointledger",
	Subsystem: "generation",
	Name:      "request_duration_seconds",
	Help:      "Generation service call latency by kind and result.",
	Buckets:   []float64{0.25, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"kind", "result"})

func init() {
	prometheus.MustRegister(requestDuration)
}
