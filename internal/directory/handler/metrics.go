package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	moltRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molt_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	moltRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "molt_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	moltJobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molt_job_transitions_total",
		Help: "Job state transitions by target status.",
	}, []string{"to"})

	moltEscrowMovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molt_escrow_moves_total",
		Help: "On-chain escrow moves by kind and source.",
	}, []string{"kind", "source"})

	moltWebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molt_webhook_events_total",
		Help: "Helius webhook events by classified kind.",
	}, []string{"kind"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		moltRequestsTotal.WithLabelValues(method, path, status).Inc()
		moltRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordJobTransition counts a job landing in a new status.
func RecordJobTransition(to string) {
	moltJobTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordEscrowMove counts an escrow instruction by kind and who drove it.
func RecordEscrowMove(kind, source string) {
	moltEscrowMovesTotal.WithLabelValues(kind, source).Inc()
}

// RecordWebhookEvent counts a classified webhook delivery.
func RecordWebhookEvent(kind string) {
	moltWebhookEventsTotal.WithLabelValues(kind).Inc()
}
