package app

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"district_ingest/internal/config"
)

const testBoundary = `{
  "type": "Polygon",
  "coordinates": [[[-74.0, 40.7], [-73.9, 40.7], [-73.9, 40.8], [-74.0, 40.8], [-74.0, 40.7]]]
}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	boundary := filepath.Join(dir, "district.geojson")
	if err := os.WriteFile(boundary, []byte(testBoundary), 0o644); err != nil {
		t.Fatal(err)
	}
	return config.Config{
		HTTPPort:          "0",
		DBPath:            filepath.Join(dir, "test.db"),
		BoundaryPath:      boundary,
		SodaBaseURL:       "https://data.example.gov/resource",
		RequestTimeoutSec: 5,
		BackfillMonths:    1,
		Sources:           config.DefaultSources(),
	}
}

func TestNewWiresEndpoints(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Store().Close()

	for _, target := range []string{"/ops/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rr := httptest.NewRecorder()
		a.Mux().ServeHTTP(rr, req)
		if rr.Code >= 400 {
			t.Errorf("%s: status %d", target, rr.Code)
		}
	}
}

func TestNewRequiresBoundaryForGeofencedSources(t *testing.T) {
	cfg := testConfig(t)
	cfg.BoundaryPath = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("geofenced sources without a boundary must fail startup")
	}
}

func TestNewSkipsBoundaryWhenUnused(t *testing.T) {
	cfg := testConfig(t)
	cfg.BoundaryPath = ""
	for i := range cfg.Sources {
		cfg.Sources[i].Geofence = false
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("no source is geofenced, boundary should not be required: %v", err)
	}
	a.Store().Close()
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].Kind = "weather"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown source kind")
	}
}
