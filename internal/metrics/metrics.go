package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsFinalized counts terminal transitions by outcome
	// (completed, failed) and failure reason.
	SessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_sessions_finalized_total",
		Help: "Audit sessions reaching a terminal state.",
	}, []string{"status", "reason"})

	// EngineInvocations counts analysis streams started.
	EngineInvocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_engine_invocations_total",
		Help: "Analysis engine streams started.",
	})

	// LiveAttachments tracks currently connected stream consumers.
	LiveAttachments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_stream_attachments",
		Help: "Currently attached stream consumers.",
	})

	// DroppedAttachments counts consumers dropped for queue overflow.
	DroppedAttachments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_stream_attachments_dropped_total",
		Help: "Stream consumers dropped because their queue overflowed.",
	})

	// CreditsDeducted sums committed deductions.
	CreditsDeducted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_credits_deducted_total",
		Help: "Credits deducted for completed sessions.",
	})

	// RequestDuration observes HTTP latency by route and status.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request latency. Streaming endpoints are observed
// too; their duration covers the whole attachment lifetime.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		RequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
