// Package metrics exposes Prometheus collectors for the page stream engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal            *prometheus.CounterVec
	pageLatencySeconds    prometheus.Histogram
	retriesTotal          *prometheus.CounterVec
	retriesExhaustedTotal prometheus.Counter
	retryBackoffSeconds   prometheus.Histogram
	tokensTotal           *prometheus.CounterVec
	itemsTotal            prometheus.Counter
	dripsDroppedTotal     *prometheus.CounterVec
	pendingRequests       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_pages_total",
				Help: "Total number of pages fetched, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pageLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagefeed_page_latency_seconds",
				Help:    "Histogram of single-page fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_retries_total",
				Help: "Total number of retry attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		retriesExhaustedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagefeed_retries_exhausted_total",
				Help: "Total number of fetches abandoned after the retry budget ran out.",
			},
		)

		retryBackoffSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pagefeed_retry_backoff_seconds",
				Help:    "Histogram of backoff delays between retry attempts.",
				Buckets: []float64{0.1, 0.5, 1, 5, 30, 120, 600, 3600},
			},
		)

		tokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_tokens_total",
				Help: "Total number of token requests served, labeled by source.",
			},
			[]string{"source"},
		)

		itemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagefeed_items_total",
				Help: "Total number of annotated items emitted downstream.",
			},
		)

		dripsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefeed_drips_dropped_total",
				Help: "Total rate limiter drips discarded, labeled by reason.",
			},
			[]string{"reason"},
		)

		pendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagefeed_pending_requests",
				Help: "Number of page requests currently in flight.",
			},
		)
	})
}

// ObservePage records the outcome and latency of one page fetch.
func ObservePage(outcome string, latency time.Duration) {
	if pagesTotal == nil {
		return
	}
	pagesTotal.WithLabelValues(outcome).Inc()
	pageLatencySeconds.Observe(latency.Seconds())
}

// ObserveRetry records one retry attempt and the backoff delay before it.
func ObserveRetry(kind string, backoff time.Duration) {
	if retriesTotal == nil {
		return
	}
	retriesTotal.WithLabelValues(kind).Inc()
	retryBackoffSeconds.Observe(backoff.Seconds())
}

// ObserveRetriesExhausted counts a fetch that ran out of retry budget.
func ObserveRetriesExhausted() {
	if retriesExhaustedTotal == nil {
		return
	}
	retriesExhaustedTotal.Inc()
}

// ObserveToken counts a served token request; source is "cache", "acquired"
// or "error".
func ObserveToken(source string) {
	if tokensTotal == nil {
		return
	}
	tokensTotal.WithLabelValues(source).Inc()
}

// ObserveItems counts annotated items emitted downstream.
func ObserveItems(n int) {
	if itemsTotal == nil || n <= 0 {
		return
	}
	itemsTotal.Add(float64(n))
}

// ObserveDripDropped counts a discarded rate limiter drip.
func ObserveDripDropped(reason string) {
	if dripsDroppedTotal == nil {
		return
	}
	dripsDroppedTotal.WithLabelValues(reason).Inc()
}

// AddPendingRequests moves the in-flight gauge by delta. Concurrent page
// drivers each contribute their own in-flight count.
func AddPendingRequests(delta int) {
	if pendingRequests == nil {
		return
	}
	pendingRequests.Add(float64(delta))
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
