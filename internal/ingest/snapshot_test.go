package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSourceForFile(t *testing.T) {
	cases := map[string]string{
		"/tmp/snapshots/fdny_incidents-20260830.json": "fdny_incidents",
		"requests_311-dump.json":                      "requests_311",
		"nypd_complaints.json":                        "nypd_complaints",
	}
	for path, want := range cases {
		if got := SourceForFile(path); got != want {
			t.Errorf("%s: got %q want %q", path, got, want)
		}
	}
}

func TestImportFile(t *testing.T) {
	st := &fakeStore{}
	job := &Job{Name: "test", Decoder: passthroughDecoder{}, Store: st}
	imp := NewSnapshotImporter([]*Job{job})

	path := filepath.Join(t.TempDir(), "test-20260830.json")
	body := `[{"id": "s1"}, {"id": "s2"}, {}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := imp.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if res.Seen != 3 || res.Kept != 2 {
		t.Fatalf("seen=%d kept=%d", res.Seen, res.Kept)
	}
	if len(st.records) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(st.records))
	}
}

func TestImportFileUnknownSource(t *testing.T) {
	imp := NewSnapshotImporter(nil)
	path := filepath.Join(t.TempDir(), "mystery-1.json")
	if err := os.WriteFile(path, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := imp.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected error for unregistered source")
	}
}

func TestImportFileMalformed(t *testing.T) {
	st := &fakeStore{}
	imp := NewSnapshotImporter([]*Job{{Name: "test", Decoder: passthroughDecoder{}, Store: st}})
	path := filepath.Join(t.TempDir(), "test-bad.json")
	if err := os.WriteFile(path, []byte(`{"not": "an array"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := imp.ImportFile(context.Background(), path); err == nil {
		t.Fatal("expected parse error")
	}
	if len(st.records) != 0 {
		t.Fatal("malformed snapshot must not write records")
	}
}
