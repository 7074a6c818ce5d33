// Package metrics exposes the process-wide Prometheus collectors for the HTTP
// API, browser tabs and downstream writes.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
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

	openTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creator_detail_open_tabs",
			Help: "Detail tabs currently open.",
		},
	)

	tabOpenDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_tab_open_delay_seconds",
			Help:    "Time spent waiting for the tab-open pacer.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"site"},
	)

	storeWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_store_writes_total",
			Help: "Detail result writes, labeled by target status and result.",
		},
		[]string{"status", "result"},
	)

	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_publish_total",
			Help: "Scraped-profile events published, labeled by result.",
		},
		[]string{"result"},
	)

	exportBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creator_export_bytes_total",
			Help: "Bytes written by CSV exports.",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL to its lowercase hostname, or "unknown".
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

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TabOpened and TabClosed track open detail tabs.
func TabOpened() { openTabs.Inc() }

// TabClosed is the counterpart of TabOpened.
func TabClosed() { openTabs.Dec() }

// ObserveTabOpenDelay records a pacer wait.
func ObserveTabOpenDelay(rawURL string, d time.Duration) {
	tabOpenDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveStoreWrite records a detail result write.
func ObserveStoreWrite(status string, err error) {
	storeWritesTotal.WithLabelValues(status, result(err)).Inc()
}

// ObservePublish records one publish attempt.
func ObservePublish(err error) {
	publishTotal.WithLabelValues(result(err)).Inc()
}

// ObserveExportBytes adds to the exported byte counter.
func ObserveExportBytes(n int64) {
	if n > 0 {
		exportBytesTotal.Add(float64(n))
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
