// Package metrics provides process-wide Prometheus instrumentation. Domain
// packages register their own collectors next to the code they measure.
package metrics

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pointledger",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pointledger",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pointledger",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// RealtimeEventsDropped counts events not delivered to slow or absent clients.
	RealtimeEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pointledger",
		Name:      "realtime_events_dropped_total",
		Help:      "Realtime events dropped because a buffer was full.",
	})

	// HTTPInFlight tracks requests currently being served. Spend requests
	// hold a slot for the whole generation action.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pointledger",
		Name:      "http_requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		ActiveWebSocketClients,
		RealtimeEventsDropped,
	)
}

// RegisterDB exports db's connection pool stats under the given name. The
// returned func unregisters them; call it when the pool is closed.
func RegisterDB(reg prometheus.Registerer, db *sql.DB, name string) (func(), error) {
	c := collectors.NewDBStatsCollector(db, name)
	if err := reg.Register(c); err != nil {
		return func() {}, err
	}
	return func() { reg.Unregister(c) }, nil
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern, not the raw path
		if path == "" {
			path = "unmatched"
		}
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
