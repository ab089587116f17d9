package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// NewMetrics registers onto the default Prometheus registry, so the whole
// package under test exercises a single instance here.
func TestMetricsRecordingUpdatesCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordWireRequest("OP_MSG", "find", "ok", 5*time.Millisecond)
	m.RecordWireRequest("OP_MSG", "find", "ok", 5*time.Millisecond)
	if got := testutil.ToFloat64(m.WireRequestsTotal.WithLabelValues("OP_MSG", "find", "ok")); got != 2 {
		t.Fatalf("WireRequestsTotal = %v, want 2", got)
	}

	m.RecordDbOperation("insert", "error", time.Millisecond)
	if got := testutil.ToFloat64(m.DbOperationsTotal.WithLabelValues("insert", "error")); got != 1 {
		t.Fatalf("DbOperationsTotal = %v, want 1", got)
	}

	m.UpdateDbStats(4096, 10, 2)
	if got := testutil.ToFloat64(m.DbSizeBytes); got != 4096 {
		t.Fatalf("DbSizeBytes = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(m.DbDocumentsTotal); got != 10 {
		t.Fatalf("DbDocumentsTotal = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.DbCollectionsTotal); got != 2 {
		t.Fatalf("DbCollectionsTotal = %v, want 2", got)
	}

	m.LockDeadlocksTotal.Inc()
	if got := testutil.ToFloat64(m.LockDeadlocksTotal); got != 1 {
		t.Fatalf("LockDeadlocksTotal = %v, want 1", got)
	}
}
