// Package telemetry exposes Prometheus collectors for the crawl engine.
package telemetry

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
	jobsTotal              *prometheus.CounterVec
	discoveryRequestsTotal *prometheus.CounterVec
	discoveryCandidates    prometheus.Counter
	discoverySkipped       prometheus.Counter
	checkpointsTotal       *prometheus.CounterVec
	eventsPublishedTotal   *prometheus.CounterVec
	hostWaitSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_total",
				Help: "Total crawl jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		discoveryRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_requests_total",
				Help: "Outbound discovery HTTP requests, labeled by host and kind.",
			},
			[]string{"host", "kind"},
		)

		discoveryCandidates = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_candidates_total",
				Help: "Document candidates accepted by discovery.",
			},
		)

		discoverySkipped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_skipped_urls_total",
				Help: "URLs rejected during discovery preflight or filtering.",
			},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoints_total",
				Help: "Checkpoints written, labeled by type.",
			},
			[]string{"type"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Events published on the bus, labeled by event type.",
			},
			[]string{"type"},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_host_wait_seconds",
				Help:    "Time spent waiting on the per-host politeness limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeHost extracts a lowercase hostname label from a raw URL.
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

// ObserveJob records a terminal job status.
func ObserveJob(status string) {
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveDiscoveryRequest records one outbound discovery request.
func ObserveDiscoveryRequest(host, kind string) {
	if discoveryRequestsTotal != nil {
		discoveryRequestsTotal.WithLabelValues(SanitizeHost(host), kind).Inc()
	}
}

// ObserveCandidate records an accepted document candidate.
func ObserveCandidate() {
	if discoveryCandidates != nil {
		discoveryCandidates.Inc()
	}
}

// ObserveSkip records a rejected discovery URL.
func ObserveSkip() {
	if discoverySkipped != nil {
		discoverySkipped.Inc()
	}
}

// ObserveCheckpoint records a written checkpoint by type.
func ObserveCheckpoint(kind string) {
	if checkpointsTotal != nil {
		checkpointsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveEvent records a published event by type.
func ObserveEvent(eventType string) {
	if eventsPublishedTotal != nil {
		eventsPublishedTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveHostWait records a politeness delay introduced by the host limiter.
func ObserveHostWait(host string, d time.Duration) {
	if hostWaitSeconds != nil && d > time.Millisecond {
		hostWaitSeconds.WithLabelValues(SanitizeHost(host)).Observe(d.Seconds())
	}
}
