/*
Package metrics provides Prometheus metrics collection and exposition for the
storage engine.

The metrics package defines and registers all engine metrics using the
Prometheus client library, providing observability into buffer pool
behavior, journal throughput, checkpoint latency, cleanup backlog, and
transaction outcomes. Metrics are exposed via an HTTP endpoint for
scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  BufferPool: hit/miss/eviction, claim wait  │          │
	│  │  Journal: bytes written, fsync latency      │          │
	│  │  Checkpoint: duration, pages copied          │          │
	│  │  Cleanup: queue depth, drain latency         │          │
	│  │  Transaction: commits, rollbacks, duration   │          │
	│  │  MVCC: pruned version counts                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint               │          │
	│  │  - Handler(): promhttp.Handler()            │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	timer := metrics.NewTimer()
	// ... perform the operation ...
	timer.ObserveDuration(metrics.CheckpointDuration)

All counters/gauges/histograms are package-level vars registered in
init(), safe for concurrent use from any engine package without further
setup by the caller.

# See Also

  - pkg/checkpoint for the copier and checkpoint proposer loops
  - pkg/cleanup for the maintenance queue
  - pkg/journal for segment/fsync instrumentation
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
