// Package metrics exposes Prometheus collectors for the slide ingester.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// File outcomes recorded by ObserveFile.
const (
	FileSkipped   = "skipped"
	FileIngested  = "ingested"
	FileMalformed = "malformed"
	FileFailed    = "failed"
)

var (
	listingPagesTotal        *prometheus.CounterVec
	listingFetchSeconds      *prometheus.HistogramVec
	listingFilesTotal        *prometheus.CounterVec
	ingestFilesTotal         *prometheus.CounterVec
	ingestRunsTotal          *prometheus.CounterVec
	ingestRunDurationSeconds prometheus.Histogram
	watermarkTimestamp       *prometheus.GaugeVec
	rateLimitDelaysSeconds   *prometheus.HistogramVec
	httpRequestsTotal        *prometheus.CounterVec
	httpRequestSeconds       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		listingPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_pages_total",
				Help: "Directory listing pages fetched, labeled by host and status.",
			},
			[]string{"host", "status"},
		)

		listingFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_fetch_duration_seconds",
				Help:    "Histogram of directory listing fetch latencies, labeled by host.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"host"},
		)

		listingFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_files_total",
				Help: "Leaf files discovered in directory listings, labeled by host.",
			},
			[]string{"host"},
		)

		ingestFilesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_files_total",
				Help: "Files handled by sync runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		ingestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Sync runs, labeled by terminal state.",
			},
			[]string{"state"},
		)

		ingestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Histogram of sync run durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		watermarkTimestamp = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_watermark_timestamp_seconds",
				Help: "Committed watermark per crawl root, as a Unix timestamp.",
			},
			[]string{"root"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Control API requests, labeled by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of control API request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveListing records one listing page fetch.
func ObserveListing(pageURL string, status string, duration time.Duration) {
	Init()
	host := SanitizeHost(pageURL)
	listingPagesTotal.WithLabelValues(host, status).Inc()
	listingFetchSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveDiscovered increments the discovered-file counter.
func ObserveDiscovered(fileURL string) {
	Init()
	listingFilesTotal.WithLabelValues(SanitizeHost(fileURL)).Inc()
}

// ObserveFile records the outcome of one file in a sync run.
func ObserveFile(outcome string) {
	Init()
	ingestFilesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun records a finished sync run.
func ObserveRun(state string, duration time.Duration) {
	Init()
	ingestRunsTotal.WithLabelValues(state).Inc()
	ingestRunDurationSeconds.Observe(duration.Seconds())
}

// SetWatermark publishes the committed watermark for root.
func SetWatermark(root string, mark time.Time) {
	Init()
	watermarkTimestamp.WithLabelValues(root).Set(float64(mark.Unix()))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// Push sends the default registry to a Prometheus Pushgateway. One-shot CLI
// runs exit before a scrape would ever see them.
func Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	if err := push.New(gatewayURL, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// ObserveHTTPRequest records one control API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
