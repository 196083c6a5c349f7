package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/healthledger/internal/ledger"
)

var (
	hlRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	hlRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	hlBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthledger_blocks_appended_total",
		Help: "Total ledger blocks appended, by whether the admission gate admitted them or the nonce bound was hit.",
	}, []string{"gate"})

	hlBlockNonce = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "healthledger_block_nonce",
		Help:    "Nonce of appended blocks (admission gate search effort).",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	hlVerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "healthledger_verify_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	hlDecryptFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "healthledger_decrypt_failures_total",
		Help: "Total record envelopes that failed authentication.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		hlRequestsTotal.WithLabelValues(method, path, status).Inc()
		hlRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveBlock records a ledger append. It matches audit.Observer.
func ObserveBlock(b ledger.Block, admitted bool) {
	if admitted {
		hlBlocksTotal.WithLabelValues("admitted").Inc()
	} else {
		hlBlocksTotal.WithLabelValues("bound").Inc()
	}
	hlBlockNonce.Observe(float64(b.Nonce))
}

// RecordVerify records a chain verification result.
func RecordVerify(valid bool) {
	if valid {
		hlVerifyTotal.WithLabelValues("valid").Inc()
	} else {
		hlVerifyTotal.WithLabelValues("broken").Inc()
	}
}

// RecordDecryptFailure records an envelope that failed authentication.
func RecordDecryptFailure() {
	hlDecryptFailuresTotal.Inc()
}
