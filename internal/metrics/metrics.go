// Package metrics provides Prometheus instrumentation for the guardian service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

// HTTP layer.
var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route template and status class.", "method", "path", "status")

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route template.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 60},
	}, []string{"method", "path"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)

// Recovery domain.
var (
	// RecoveryTransitionsTotal counts committed request transitions by resulting status.
	RecoveryTransitionsTotal = counterVec("recovery_transitions_total",
		"Committed recovery request transitions by resulting status.", "to")

	// OperationsTotal counts coordinator operations; result is "ok" or an error code.
	OperationsTotal = counterVec("operations_total",
		"Coordinator operations by operation and result code.", "op", "result")

	// SecurityViolationsTotal counts rejections that may indicate an attack:
	// replays, bad signatures, ineligible signers.
	SecurityViolationsTotal = counterVec("security_violations_total",
		"Security violations by operation and code.", "op", "code")

	OwnerRotationsTotal = counterVec("owner_rotations_total",
		"On-chain owner rotations by result.", "result")

	WebhookDeliveriesTotal = counterVec("webhook_deliveries_total",
		"Webhook deliveries by result.", "result")
)

// Process and connection pool.
var (
	// DBConnections reports the Postgres pool by state: open, idle, in_use.
	DBConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections",
		Help:      "Postgres pool connections by state.",
	}, []string{"state"})

	DBWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_count_total",
		Help:      "Connections waited for since the pool opened.",
	})

	DBWaitDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_wait_duration_seconds_total",
		Help:      "Time spent waiting for a connection since the pool opened.",
	})

	_ = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Current number of goroutines.",
	}, func() float64 { return float64(runtime.NumGoroutine()) })
)

// StartDBStatsCollector samples db.Stats into the pool gauges every
// interval until ctx is done. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	sampleDBStats(db)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleDBStats(db)
		}
	}
}

func sampleDBStats(db *sql.DB) {
	s := db.Stats()
	DBConnections.WithLabelValues("open").Set(float64(s.OpenConnections))
	DBConnections.WithLabelValues("idle").Set(float64(s.Idle))
	DBConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	DBWaitCount.Set(float64(s.WaitCount))
	DBWaitDuration.Set(s.WaitDuration.Seconds())
}

// Middleware records request count and latency. Paths are labelled by
// route template so account addresses stay out of labels.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		method, route := c.Request.Method, routeLabel(c.FullPath())
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

func routeLabel(fullPath string) string {
	if fullPath == "" {
		return "unmatched"
	}
	return fullPath
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "5xx"
	}
	return string(rune('0'+code/100)) + "xx"
}
