// Package monitoring exposes Prometheus metrics for the HTTP layer and the
// exam and storage services.
package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// CopyOutcomes counts personal copy and upload attempts by result kind.
	CopyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khatwa_personal_copy_total",
			Help: "Personal copy and upload attempts by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// LiveExamSessions is the number of sessions with a running timer.
	LiveExamSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "khatwa_live_exam_sessions",
			Help: "Exam sessions with an attached timer",
		},
	)

	// ExamFinished counts sessions reaching a terminal state.
	ExamFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khatwa_exam_sessions_finished_total",
			Help: "Exam sessions finished, by status",
		},
		[]string{"status"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter, RequestDuration, CopyOutcomes, LiveExamSessions, ExamFinished)
	})
}

// MetricsMiddleware records request counts and latencies per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}

		RequestCounter.WithLabelValues(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			endpoint,
		).Observe(time.Since(start).Seconds())
	}
}

// PrometheusHandler serves the default registry.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
