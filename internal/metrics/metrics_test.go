package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"district_ingest/internal/ingest"
)

func TestCycleFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CycleFinished(ingest.CycleResult{
		Source:      "fdny_incidents",
		State:       ingest.StateCompleted,
		Pages:       3,
		Upserted:    120,
		FilteredOut: 7,
		Duration:    2 * time.Second,
	})
	m.CycleFinished(ingest.CycleResult{Source: "fdny_incidents", State: ingest.StateFailed})

	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("fdny_incidents", "COMPLETED")); got != 1 {
		t.Fatalf("completed cycles %v", got)
	}
	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("fdny_incidents", "FAILED")); got != 1 {
		t.Fatalf("failed cycles %v", got)
	}
	if got := testutil.ToFloat64(m.recordsUpserted.WithLabelValues("fdny_incidents")); got != 120 {
		t.Fatalf("upserted %v", got)
	}
	if got := testutil.ToFloat64(m.recordsDropped.WithLabelValues("fdny_incidents")); got != 7 {
		t.Fatalf("dropped %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccessTS.WithLabelValues("fdny_incidents")); got == 0 {
		t.Fatal("last success gauge not set")
	}
}

func TestTickSkipped(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.TickSkipped("requests_311")
	m.TickSkipped("requests_311")
	if got := testutil.ToFloat64(m.ticksSkipped.WithLabelValues("requests_311")); got != 2 {
		t.Fatalf("skipped ticks %v", got)
	}
}
