// Package metrics exposes Prometheus collectors for the sentiment service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobStageDurationSeconds    *prometheus.HistogramVec
	jobAttemptsTotal           prometheus.Counter
	queueDepth                 *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchThrottleDelaySeconds  prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentiment_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentiment_job_stage_duration_seconds",
				Help:    "Histogram of pipeline stage execution latencies, labeled by stage.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		jobAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sentiment_job_attempts_total",
				Help: "Total number of job attempts started, including redeliveries.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentiment_queue_depth",
				Help: "Number of descriptors awaiting delivery, labeled by lane.",
			},
			[]string{"lane"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentiment_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		fetchThrottleDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sentiment_fetch_throttle_delay_seconds",
				Help:    "Histogram of delays imposed on upstream fetches by the rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	if jobStageDurationSeconds != nil {
		jobStageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveAttempt counts a started attempt (first delivery or redelivery).
func ObserveAttempt() {
	if jobAttemptsTotal != nil {
		jobAttemptsTotal.Inc()
	}
}

// SetQueueDepth records the pending descriptor count for a lane.
func SetQueueDepth(lane string, depth int) {
	if queueDepth != nil {
		queueDepth.WithLabelValues(lane).Set(float64(depth))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveThrottleDelay records time an upstream fetch spent waiting for a
// rate limit token.
func ObserveThrottleDelay(d time.Duration) {
	if fetchThrottleDelaySeconds != nil {
		fetchThrottleDelaySeconds.Observe(d.Seconds())
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
