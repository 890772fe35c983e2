// Package metrics defines and registers the engine's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Buffer pool metrics

	BufferPoolHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_bufferpool_hits_total",
			Help: "Buffer pool get() calls satisfied without a volume read, by page size",
		},
		[]string{"page_size"},
	)

	BufferPoolMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_bufferpool_misses_total",
			Help: "Buffer pool get() calls that required a volume read, by page size",
		},
		[]string{"page_size"},
	)

	BufferPoolEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_bufferpool_evictions_total",
			Help: "Buffers reclaimed from the pool to satisfy an allocation, by page size",
		},
		[]string{"page_size"},
	)

	BufferClaimWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_buffer_claim_wait_seconds",
			Help:    "Time spent waiting to acquire a reader or writer claim on a buffer",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Journal metrics

	JournalBytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_journal_bytes_written_total",
			Help: "Total bytes appended to the journal across all segments",
		},
	)

	JournalFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_journal_fsync_duration_seconds",
			Help:    "Latency of journal fsync calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalSegmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_journal_segments",
			Help: "Number of journal segment files currently on disk",
		},
	)

	// Checkpoint metrics

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_checkpoint_duration_seconds",
			Help:    "Duration of a full checkpoint cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_checkpoints_total",
			Help: "Total number of checkpoints completed",
		},
	)

	CopierPagesCopiedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_copier_pages_copied_total",
			Help: "Total page images copied from the journal to their home volume",
		},
	)

	// Cleanup metrics

	CleanupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_cleanup_queue_depth",
			Help: "Number of deferred maintenance actions waiting to be drained",
		},
	)

	CleanupDrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_cleanup_drain_duration_seconds",
			Help:    "Duration of one cleanup drain batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupActionsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_cleanup_actions_failed_total",
			Help: "Cleanup actions that failed and were retried, by action kind",
		},
		[]string{"kind"},
	)

	// Transaction metrics

	TransactionCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_transaction_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	TransactionRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_transaction_rollbacks_total",
			Help: "Total number of transactions that rolled back due to a write-write conflict",
		},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_transaction_duration_seconds",
			Help:    "Wall time from transaction begin to commit or rollback",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MVCC metrics

	MVCCPrunedVersionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_mvcc_pruned_versions_total",
			Help: "Versions removed from cells during pruning, by reason",
		},
		[]string{"reason"}, // aborted, superseded
	)
)

func init() {
	prometheus.MustRegister(
		BufferPoolHitsTotal,
		BufferPoolMissesTotal,
		BufferPoolEvictionsTotal,
		BufferClaimWaitSeconds,
		JournalBytesWrittenTotal,
		JournalFsyncDuration,
		JournalSegmentsTotal,
		CheckpointDuration,
		CheckpointsTotal,
		CopierPagesCopiedTotal,
		CleanupQueueDepth,
		CleanupDrainDuration,
		CleanupActionsFailedTotal,
		TransactionCommitsTotal,
		TransactionRollbacksTotal,
		TransactionDuration,
		MVCCPrunedVersionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
