package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric exposed by the engine, grouped
// by component.
type Metrics struct {
	WireRequestsTotal   *prometheus.CounterVec
	WireRequestDuration *prometheus.HistogramVec
	WireConnectionsOpen prometheus.Gauge

	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbSizeBytes         prometheus.Gauge
	DbDocumentsTotal    prometheus.Gauge
	DbCollectionsTotal  prometheus.Gauge

	PagerAllocationsTotal prometheus.Counter
	PagerFlushesTotal     prometheus.Counter
	WALRecordsTotal       prometheus.Counter
	WALCheckpointsTotal   prometheus.Counter

	BtreeSplitsTotal prometheus.Counter
	BtreeMergesTotal prometheus.Counter

	LockWaitsTotal     prometheus.Counter
	LockDeadlocksTotal prometheus.Counter

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

func NewMetrics() *Metrics {
	m := &Metrics{ServerStartTime: time.Now()}

	m.WireRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monolite_wire_requests_total",
		Help: "Total number of wire-protocol requests handled",
	}, []string{"opcode", "command", "status"})

	m.WireRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monolite_wire_request_duration_seconds",
		Help:    "Duration of wire-protocol requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	m.WireConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monolite_wire_connections_open",
		Help: "Number of open client connections",
	})

	m.DbOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "monolite_db_operations_total",
		Help: "Total number of database operations",
	}, []string{"operation", "status"})

	m.DbOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monolite_db_operation_duration_seconds",
		Help:    "Duration of database operations in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	m.DbSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monolite_db_size_bytes",
		Help: "Current data file size in bytes",
	})

	m.DbDocumentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monolite_db_documents_total",
		Help: "Total number of documents across all collections",
	})

	m.DbCollectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monolite_db_collections_total",
		Help: "Total number of collections",
	})

	m.PagerAllocationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_pager_allocations_total",
		Help: "Total number of page allocations",
	})

	m.PagerFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_pager_flushes_total",
		Help: "Total number of pager flush cycles",
	})

	m.WALRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_wal_records_total",
		Help: "Total number of WAL records written",
	})

	m.WALCheckpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_wal_checkpoints_total",
		Help: "Total number of WAL checkpoints taken",
	})

	m.BtreeSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_btree_splits_total",
		Help: "Total number of B+Tree node splits",
	})

	m.BtreeMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_btree_merges_total",
		Help: "Total number of B+Tree node merges",
	})

	m.LockWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_lock_waits_total",
		Help: "Total number of times a transaction blocked waiting for a lock",
	})

	m.LockDeadlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "monolite_lock_deadlocks_total",
		Help: "Total number of deadlocks detected by the lock manager",
	})

	m.ServerUptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monolite_server_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	go m.updateUptime()
	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

func (m *Metrics) RecordWireRequest(opcode, command, status string, duration time.Duration) {
	m.WireRequestsTotal.WithLabelValues(opcode, command, status).Inc()
	m.WireRequestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *Metrics) RecordDbOperation(operation, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) UpdateDbStats(sizeBytes int64, documentCount int64, collectionCount int64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.DbDocumentsTotal.Set(float64(documentCount))
	m.DbCollectionsTotal.Set(float64(collectionCount))
}
