// Package metrics exposes Prometheus collectors for the bulletin crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	documentsTotal                *prometheus.CounterVec
	documentBytesTotal            prometheus.Counter
	pagesTotal                    *prometheus.CounterVec
	challengesTotal               *prometheus.CounterVec
	fetchRetriesTotal             *prometheus.CounterVec
	fetchDurationSeconds          *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	runsTotal                     *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_documents_total",
				Help: "Documents attempted, labeled by outcome status and error kind.",
			},
			[]string{"status", "kind"},
		)

		documentBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sse_document_bytes_total",
				Help: "Total bytes of documents written to disk.",
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_pages_total",
				Help: "Discovery pages processed, labeled by result.",
			},
			[]string{"result"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_challenges_total",
				Help: "Verification challenges encountered, labeled by result.",
			},
			[]string{"result"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_fetch_retries_total",
				Help: "Transport-level retries, labeled by host.",
			},
			[]string{"host"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sse_fetch_duration_seconds",
				Help:    "Histogram of HTTP fetch latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sse_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_runs_total",
				Help: "Crawl runs completed, labeled by exit state.",
			},
			[]string{"state"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_status_http_requests_total",
				Help: "Requests served by the status server.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sse_status_http_request_duration_seconds",
				Help:    "Latency of status server requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
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

// ObserveDocument counts one document outcome.
func ObserveDocument(status, kind string, bytesWritten int64) {
	Init()
	documentsTotal.WithLabelValues(status, kind).Inc()
	if bytesWritten > 0 {
		documentBytesTotal.Add(float64(bytesWritten))
	}
}

// ObservePage counts one discovery page ("ok" or "failed").
func ObservePage(result string) {
	Init()
	pagesTotal.WithLabelValues(result).Inc()
}

// ObserveChallenge counts one challenge ("solved" or "unsolved").
func ObserveChallenge(result string) {
	Init()
	challengesTotal.WithLabelValues(result).Inc()
}

// ObserveRetry counts one transport retry against rawURL's host.
func ObserveRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveFetch records the latency of one HTTP fetch.
func ObserveFetch(rawURL string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRun counts one finished run ("ok", "failures" or "aborted").
func ObserveRun(state string) {
	Init()
	runsTotal.WithLabelValues(state).Inc()
}
