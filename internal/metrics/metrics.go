// Package metrics exposes Prometheus collectors for the scraper worker,
// request client and HTTP surfaces.
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

// Fetch outcome labels.
const (
	FetchSuccess      = "success"
	FetchHTTPError    = "http_error"
	FetchNetworkError = "network_error"
	FetchInvalidURL   = "invalid_url"
)

// Delivery outcome labels.
const (
	DeliveryAcked    = "acked"
	DeliveryRejected = "rejected"
)

// Client call outcome labels.
const (
	CallResolved  = "resolved"
	CallTimeout   = "timeout"
	CallMalformed = "malformed"
	CallCanceled  = "canceled"
	CallFailed    = "failed"
)

var (
	scraperFetchesTotal        *prometheus.CounterVec
	scraperFetchBytesTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	workerDeliveriesTotal      *prometheus.CounterVec
	workerHandleSeconds        prometheus.Histogram
	workerConnected            prometheus.Gauge
	brokerReconnectsTotal      *prometheus.CounterVec
	clientCallsTotal           *prometheus.CounterVec
	clientPendingCalls         prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Total number of page fetches, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		scraperFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)

		workerDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_worker_deliveries_total",
				Help: "Total number of broker deliveries handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		workerHandleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_worker_handle_seconds",
				Help:    "Histogram of time spent handling one delivery.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		workerConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_worker_connected",
				Help: "1 while the worker is consuming from the broker.",
			},
		)

		brokerReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_broker_reconnects_total",
				Help: "Total number of broker connection losses, labeled by side.",
			},
			[]string{"side"},
		)

		clientCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_client_calls_total",
				Help: "Total number of scrape calls, labeled by terminal outcome.",
			},
			[]string{"outcome"},
		)

		clientPendingCalls = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_client_pending_calls",
				Help: "Number of scrape calls waiting for a reply.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Time a fetch waited on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
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

// ObserveFetch records one fetch outcome and the bytes it transferred.
func ObserveFetch(site string, status string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	scraperFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		scraperFetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDelivery records how a worker discharged one delivery.
func ObserveDelivery(outcome string, duration time.Duration) {
	workerDeliveriesTotal.WithLabelValues(outcome).Inc()
	workerHandleSeconds.Observe(duration.Seconds())
}

// SetWorkerConnected flips the worker connection gauge.
func SetWorkerConnected(connected bool) {
	if connected {
		workerConnected.Set(1)
		return
	}
	workerConnected.Set(0)
}

// ObserveReconnect counts a lost broker connection for side ("worker" or "client").
func ObserveReconnect(side string) {
	brokerReconnectsTotal.WithLabelValues(side).Inc()
}

// ObserveCall counts one terminal client call outcome.
func ObserveCall(outcome string) {
	clientCallsTotal.WithLabelValues(outcome).Inc()
}

// SetPendingCalls reports the size of the client's pending table.
func SetPendingCalls(n int) {
	clientPendingCalls.Set(float64(n))
}

// ObserveRateLimitDelay records time spent waiting for a host token.
func ObserveRateLimitDelay(site string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}
