// Package metrics provides Prometheus metrics for a chronofs mount.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Snapshot tree metrics
	treeBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronofs_tree_builds_total",
			Help: "Snapshot directory tree builds by outcome",
		},
		[]string{"outcome"},
	)

	treeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronofs_tree_build_duration_seconds",
			Help:    "Time to fold a snapshot's directory tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	corruptEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronofs_corrupt_entries_skipped_total",
			Help: "Change-set entries skipped because they contradict the chain",
		},
	)

	// Cache metrics
	cacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronofs_cache_requests_total",
			Help: "Cache lookups by cache (tree, block) and result (hit, miss)",
		},
		[]string{"cache", "result"},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronofs_cache_evictions_total",
			Help: "Cache evictions by cache",
		},
		[]string{"cache"},
	)

	// Content metrics
	readBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chronofs_read_bytes_total",
			Help: "Bytes served to read requests",
		},
	)

	reconstructDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronofs_reconstruct_duration_seconds",
			Help:    "Time to materialize a file's content from its locator chain",
			Buckets: prometheus.DefBuckets,
		},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chronofs_open_handles",
			Help: "Currently open content handles",
		},
	)
)

// RecordTreeBuild counts one tree build and its duration.
func RecordTreeBuild(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	treeBuildsTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		treeBuildDuration.Observe(d.Seconds())
	}
}

// RecordCorruptEntry counts a change-set entry skipped during folding.
func RecordCorruptEntry() {
	corruptEntriesTotal.Inc()
}

// RecordCacheRequest counts a cache lookup.
func RecordCacheRequest(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheRequestsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheEviction counts a cache eviction.
func RecordCacheEviction(cache string) {
	cacheEvictionsTotal.WithLabelValues(cache).Inc()
}

// RecordRead counts bytes served to a read request.
func RecordRead(bytes int) {
	readBytesTotal.Add(float64(bytes))
}

// RecordReconstruct counts one content materialization.
func RecordReconstruct(d time.Duration) {
	reconstructDuration.Observe(d.Seconds())
}

// HandleOpened and HandleClosed track the open handle gauge.
func HandleOpened() { openHandles.Inc() }

// HandleClosed decrements the open handle gauge.
func HandleClosed() { openHandles.Dec() }

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
