// Package metrics exposes Prometheus collectors for the workflow service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workflowsTotal             *prometheus.CounterVec
	workflowsRunning           prometheus.Gauge
	stageDurationSeconds       *prometheus.HistogramVec
	contentPutsTotal           *prometheus.CounterVec
	contentCacheTotal          *prometheus.CounterVec
	crawlItemsTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		workflowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowhow_workflows_total",
				Help: "Total number of workflows that reached a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		workflowsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nowhow_workflows_running",
				Help: "Number of workers currently executing a workflow.",
			},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nowhow_stage_duration_seconds",
				Help:    "Histogram of stage wall-clock durations, labeled by stage and outcome.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"stage", "outcome"},
		)

		contentPutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowhow_content_puts_total",
				Help: "Total number of content puts, labeled by whether they created or merged an item.",
			},
			[]string{"result"},
		)

		contentCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowhow_content_cache_total",
				Help: "Total number of content cache lookups, labeled by hit or miss.",
			},
			[]string{"result"},
		)

		crawlItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nowhow_crawl_items_total",
				Help: "Total number of raw items yielded by crawlers, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nowhow_rate_limit_delays_seconds",
				Help:    "Histogram of per-host crawl rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// The observers below are no-ops until Init runs so that library code can be
// exercised in tests without a registry.

// ObserveWorkflow increments the terminal workflow counter.
func ObserveWorkflow(status string) {
	if workflowsTotal == nil {
		return
	}
	workflowsTotal.WithLabelValues(status).Inc()
}

// IncRunning increments the running workflows gauge.
func IncRunning() {
	if workflowsRunning != nil {
		workflowsRunning.Inc()
	}
}

// DecRunning decrements the running workflows gauge.
func DecRunning() {
	if workflowsRunning != nil {
		workflowsRunning.Dec()
	}
}

// ObserveStage records how long a stage ran and how it ended.
func ObserveStage(stage, outcome string, duration time.Duration) {
	if stageDurationSeconds == nil {
		return
	}
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// ObserveContentPut counts a content put as new or merged.
func ObserveContentPut(isNew bool) {
	if contentPutsTotal == nil {
		return
	}
	result := "merged"
	if isNew {
		result = "new"
	}
	contentPutsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if contentCacheTotal == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	contentCacheTotal.WithLabelValues(result).Inc()
}

// ObserveCrawlItem counts one raw item yielded from site.
func ObserveCrawlItem(site string) {
	if crawlItemsTotal == nil {
		return
	}
	crawlItemsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
