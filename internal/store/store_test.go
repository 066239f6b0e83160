package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func fl(v float64) *float64 { return &v }

func TestUpsertIdempotent(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	recs := []Record{
		{Source: "nypd_complaints", ExternalID: "A1", OccurredAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), Category: "FELONY", Status: "FIRE"},
		{Source: "nypd_complaints", ExternalID: "A2", OccurredAt: time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC), Category: "MISDEMEANOR"},
	}
	if _, err := st.UpsertBatch(ctx, recs); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := st.UpsertBatch(ctx, recs); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	n, err := st.CountBySource(ctx, "nypd_complaints")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows after re-upsert, got %d", n)
	}
}

func TestUpsertOverwritesMutableFields(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	orig := Record{Source: "fdny_incidents", ExternalID: "A1", OccurredAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), Category: "FIRE"}
	if _, err := st.UpsertBatch(ctx, []Record{orig}); err != nil {
		t.Fatal(err)
	}
	updated := orig
	updated.Category = "FIRE_UPDATED"
	if _, err := st.UpsertBatch(ctx, []Record{updated}); err != nil {
		t.Fatal(err)
	}
	rows, err := st.RecentRecords(ctx, "fdny_incidents", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected single row, got %d", len(rows))
	}
	if rows[0].Category != "FIRE_UPDATED" {
		t.Fatalf("expected overwritten category, got %q", rows[0].Category)
	}
}

func TestSameIDDifferentSources(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	recs := []Record{
		{Source: "fdny_incidents", ExternalID: "X", OccurredAt: time.Now().UTC()},
		{Source: "requests_311", ExternalID: "X", OccurredAt: time.Now().UTC()},
	}
	if _, err := st.UpsertBatch(ctx, recs); err != nil {
		t.Fatal(err)
	}
	counts, err := st.TableCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["fdny_incidents"] != 1 || counts["requests_311"] != 1 {
		t.Fatalf("expected one row per source, got %v", counts)
	}
}

func TestNullCoordinatesRoundTrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	recs := []Record{
		{Source: "s", ExternalID: "nocoords", OccurredAt: time.Now().UTC(), Unmapped: true},
		{Source: "s", ExternalID: "coords", OccurredAt: time.Now().UTC(), Latitude: fl(40.73), Longitude: fl(-73.99)},
	}
	if _, err := st.UpsertBatch(ctx, recs); err != nil {
		t.Fatal(err)
	}
	rows, err := st.RecentRecords(ctx, "s", time.Time{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]Record{}
	for _, r := range rows {
		byID[r.ExternalID] = r
	}
	if r := byID["nocoords"]; r.Latitude != nil || !r.Unmapped {
		t.Fatalf("expected nil coords and unmapped flag, got %+v", r)
	}
	if r := byID["coords"]; r.Latitude == nil || *r.Latitude != 40.73 {
		t.Fatalf("coordinates did not round-trip: %+v", r)
	}
}

func TestRecentRecordsOrderAndWindow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	var recs []Record
	for i := 0; i < 5; i++ {
		recs = append(recs, Record{Source: "s", ExternalID: string(rune('a' + i)), OccurredAt: base.Add(time.Duration(i) * time.Hour)})
	}
	if _, err := st.UpsertBatch(ctx, recs); err != nil {
		t.Fatal(err)
	}
	rows, err := st.RecentRecords(ctx, "s", base.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows since cutoff, got %d", len(rows))
	}
	if rows[0].ExternalID != "e" {
		t.Fatalf("expected newest first, got %q", rows[0].ExternalID)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)
	if got := ParseTime(FormatTime(in)); !got.Equal(in) {
		t.Fatalf("round trip mismatch: %v vs %v", got, in)
	}
	if !ParseTime("garbage").IsZero() {
		t.Fatal("expected zero time on malformed input")
	}
}
