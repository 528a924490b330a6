package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve-phase outcomes by source (cache, primary, secondary, manual)
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_resolutions_total",
			Help: "Total number of link resolutions",
		},
		[]string{"outcome", "source"},
	)

	// FetchesTotal tracks fetch-phase outcomes
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_fetches_total",
			Help: "Total number of fetch invocations",
		},
		[]string{"outcome"},
	)

	// PhaseDuration tracks per-item duration by pipeline phase
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tunesync_phase_duration_seconds",
			Help:    "Per-item duration by pipeline phase",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8.5min
		},
		[]string{"phase"},
	)

	// QueueSize tracks the number of items remaining in the active batch
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunesync_queue_size",
			Help: "Items remaining in the active batch",
		},
	)

	// SyncTrackOps tracks playlist sync reconciliation outcomes
	SyncTrackOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_sync_track_ops_total",
			Help: "Playlist sync track operations",
		},
		[]string{"op"}, // added, changed, removed, unchanged
	)

	// TrashOps tracks trash and restore operations
	TrashOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_trash_ops_total",
			Help: "Trash and restore operations",
		},
		[]string{"op", "outcome"},
	)

	// CatalogRequestsTotal tracks remote catalog requests by endpoint and status
	CatalogRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_catalog_requests_total",
			Help: "Total number of remote catalog requests",
		},
		[]string{"endpoint", "status"},
	)

	// CacheWrites tracks persisted cache store flushes
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesync_cache_writes_total",
			Help: "Cache store flushes to disk",
		},
		[]string{"store"},
	)
)

// RecordResolution records a resolve-phase outcome
func RecordResolution(outcome, source string, duration time.Duration) {
	ResolutionsTotal.WithLabelValues(outcome, source).Inc()
	if outcome == "success" {
		PhaseDuration.WithLabelValues("resolve").Observe(duration.Seconds())
	}
}

// RecordFetch records a fetch-phase outcome
func RecordFetch(outcome string, duration time.Duration) {
	FetchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		PhaseDuration.WithLabelValues("fetch").Observe(duration.Seconds())
	}
}

// UpdateQueueSize updates the queue size gauge
func UpdateQueueSize(size int) {
	QueueSize.Set(float64(size))
}

// RecordSyncOp records a playlist sync track operation
func RecordSyncOp(op string, count int) {
	SyncTrackOps.WithLabelValues(op).Add(float64(count))
}

// RecordTrashOp records a trash or restore operation
func RecordTrashOp(op, outcome string) {
	TrashOps.WithLabelValues(op, outcome).Inc()
}

// RecordCatalogRequest records a remote catalog request
func RecordCatalogRequest(endpoint, status string) {
	CatalogRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// RecordCacheWrite records a cache store flush
func RecordCacheWrite(store string) {
	CacheWrites.WithLabelValues(store).Inc()
}
