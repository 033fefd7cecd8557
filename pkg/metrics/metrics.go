// Package metrics exposes the Prometheus metrics tangram's server
// publishes on its /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_store_operations_total",
			Help: "Total number of store operations by backend, kind, and result",
		},
		[]string{"backend", "operation", "result"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_store_operation_duration_seconds",
			Help:    "Duration of store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StoreBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_store_bytes_total",
			Help: "Total bytes read or written through the store",
		},
		[]string{"backend", "direction"},
	)

	// Index metrics
	IndexOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_index_operations_total",
			Help: "Total number of index operations by backend and result",
		},
		[]string{"backend", "operation", "result"},
	)

	IndexOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_index_operation_duration_seconds",
			Help:    "Duration of index operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Process metrics
	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tangram_processes_total",
			Help: "Number of processes currently in each state",
		},
		[]string{"state"},
	)

	ProcessSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_process_spawned_total",
			Help: "Total number of processes spawned",
		},
	)

	ProcessCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_process_cache_hits_total",
			Help: "Total number of spawns resolved by cache hit instead of execution",
		},
	)

	ProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_process_duration_seconds",
			Help:    "Wall-clock duration of process execution from dequeue to finish",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
	)

	ProcessWatchdogRequeuesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_process_watchdog_requeues_total",
			Help: "Total number of processes requeued by the watchdog after a missed heartbeat",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tangram_queue_depth",
			Help: "Number of processes currently enqueued and waiting for a runner slot",
		},
	)

	// Cleaner metrics
	CleanerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_cleaner_cycles_total",
			Help: "Total number of cleaner reconciliation cycles run",
		},
	)

	CleanerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tangram_cleaner_cycle_duration_seconds",
			Help:    "Duration of a cleaner reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanerObjectsRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tangram_cleaner_objects_removed_total",
			Help: "Total number of unreferenced objects removed by the cleaner",
		},
	)

	// Replication (sync engine) metrics
	SyncMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_sync_messages_total",
			Help: "Total number of sync messages processed by stage and direction",
		},
		[]string{"stage", "direction"},
	)

	SyncQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tangram_sync_queue_depth",
			Help: "Depth of each sync pipeline stage's bounded channel",
		},
		[]string{"stage"},
	)

	// HTTP surface metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tangram_http_requests_total",
			Help: "Total number of HTTP requests by route and status class",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tangram_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		StoreOperationsTotal,
		StoreOperationDuration,
		StoreBytesTotal,
		IndexOperationsTotal,
		IndexOperationDuration,
		ProcessesTotal,
		ProcessSpawnedTotal,
		ProcessCacheHitsTotal,
		ProcessDuration,
		ProcessWatchdogRequeuesTotal,
		QueueDepth,
		CleanerCyclesTotal,
		CleanerDuration,
		CleanerObjectsRemovedTotal,
		SyncMessagesTotal,
		SyncQueueDepth,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting the clock immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the time elapsed since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
