// Package metrics exposes Prometheus collectors for the directory service.
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

// Search outcomes recorded by ObserveSearch.
const (
	OutcomeSuccess = "success"
	OutcomeInvalid = "invalid"
	OutcomeFailure = "failure"
)

var (
	searchesTotal              *prometheus.CounterVec
	recordsReturnedTotal       *prometheus.CounterVec
	upstreamFailuresTotal      *prometheus.CounterVec
	scrapePagesTotal           prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeBrowsers             prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		searchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_searches_total",
				Help: "Total number of directory searches, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		recordsReturnedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_records_returned_total",
				Help: "Total number of normalized records returned, labeled by source.",
			},
			[]string{"source"},
		)

		upstreamFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directory_upstream_failures_total",
				Help: "Total number of failed upstream calls, labeled by source and operation.",
			},
			[]string{"source", "operation"},
		)

		scrapePagesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "directory_scrape_pages_total",
				Help: "Total number of result pages intercepted from the scraped directory.",
			},
		)

		activeBrowsers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "directory_active_browsers",
				Help: "Number of headless browsers currently running a scrape.",
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
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSearch records a finished search and the number of records it returned.
func ObserveSearch(source, outcome string, records int) {
	Init()
	searchesTotal.WithLabelValues(source, outcome).Inc()
	if records > 0 {
		recordsReturnedTotal.WithLabelValues(source).Add(float64(records))
	}
}

// ObserveUpstreamFailure increments the failure counter for one upstream call.
func ObserveUpstreamFailure(source, operation string) {
	Init()
	upstreamFailuresTotal.WithLabelValues(source, operation).Inc()
}

// ObserveScrapePage counts one intercepted result page.
func ObserveScrapePage() {
	Init()
	scrapePagesTotal.Inc()
}

// BrowserStarted marks one more scrape browser as running.
func BrowserStarted() {
	Init()
	activeBrowsers.Inc()
}

// BrowserStopped is the counterpart of BrowserStarted.
func BrowserStopped() {
	Init()
	activeBrowsers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
