// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by `coderev watch
// --metrics-addr`.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesIndexed counts committed files by status: ok, fallback, removed,
	// failed, unchanged.
	FilesIndexed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderev_files_indexed_total",
		Help: "Files processed by the indexer, by status",
	}, []string{"status"})

	// ReferencesResolved counts global outcomes. Tier is "0" when no
	// candidate was found.
	ReferencesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderev_references_resolved_total",
		Help: "Global resolution outcomes by status and tier",
	}, []string{"status", "tier"})

	IndexDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coderev_index_duration_seconds",
		Help:    "Duration of one IndexFiles call",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	ResolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coderev_resolve_duration_seconds",
		Help:    "Duration of one global resolution pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"mode"})

	// EmbeddingRequests counts provider calls by result: ok, cached, error.
	EmbeddingRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coderev_embedding_requests_total",
		Help: "Embedding requests by result",
	}, []string{"result"})
)

// ObserveResolution records one outcome.
func ObserveResolution(status string, tier int) {
	ReferencesResolved.WithLabelValues(status, strconv.Itoa(tier)).Inc()
}

// Since observes the seconds elapsed from start on h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
