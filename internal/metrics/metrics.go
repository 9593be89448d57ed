// Package metrics exposes Prometheus collectors for the crawl service.
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
	crawlsTotal             *prometheus.CounterVec
	itemsCrawledTotal       *prometheus.CounterVec
	executionsTotal         *prometheus.CounterVec
	upstreamRequestsTotal   *prometheus.CounterVec
	rateLimitDelaySeconds   prometheus.Histogram
	activeWorkers           prometheus.Gauge
	monitorGapRepairsTotal  *prometheus.CounterVec
	monitorOpenGaps         prometheus.Gauge
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_crawls_total",
				Help: "Total number of crawl runs, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		itemsCrawledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_items_crawled_total",
				Help: "Total number of normalized items persisted, labeled by source.",
			},
			[]string{"source"},
		)

		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_executions_total",
				Help: "Total number of job executions reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_upstream_requests_total",
				Help: "Total upstream HTTP responses, labeled by status code.",
			},
			[]string{"code"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rankwatch_rate_limit_delay_seconds",
				Help:    "Histogram of throttle wait durations before upstream requests.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankwatch_active_workers",
				Help: "Number of workers currently executing a crawl.",
			},
		)

		monitorGapRepairsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_monitor_gap_repairs_total",
				Help: "Total monitor repair attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		monitorOpenGaps = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankwatch_monitor_open_gaps",
				Help: "Number of detected-but-unrepaired execution gaps.",
			},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankwatch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the crawl counters for one run.
func ObserveCrawl(source string, outcome string, items int) {
	if crawlsTotal == nil {
		return
	}
	crawlsTotal.WithLabelValues(source, outcome).Inc()
	if items > 0 {
		itemsCrawledTotal.WithLabelValues(source).Add(float64(items))
	}
}

// ObserveExecution increments the terminal-execution counter.
func ObserveExecution(status string) {
	if executionsTotal == nil {
		return
	}
	executionsTotal.WithLabelValues(status).Inc()
}

// ObserveUpstreamRequest counts one upstream response by status code.
func ObserveUpstreamRequest(code int) {
	if upstreamRequestsTotal == nil {
		return
	}
	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveRateLimitDelay records one throttle wait.
func ObserveRateLimitDelay(d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.Observe(d.Seconds())
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

// ObserveGapRepair counts one monitor repair attempt.
func ObserveGapRepair(outcome string) {
	if monitorGapRepairsTotal != nil {
		monitorGapRepairsTotal.WithLabelValues(outcome).Inc()
	}
}

// SetOpenGaps records the current number of open gap records.
func SetOpenGaps(n int) {
	if monitorOpenGaps != nil {
		monitorOpenGaps.Set(float64(n))
	}
}

// ObserveAPIRequest records one API request latency.
func ObserveAPIRequest(method, route string, duration time.Duration) {
	if httpRequestDurationSecs != nil {
		httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}
