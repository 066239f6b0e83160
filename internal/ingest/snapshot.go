package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"district_ingest/internal/source"
)

// SnapshotImporter runs bulk JSON export files through the same
// decode-geofence-upsert path as a live fetch. Files are named
// "<source>-<anything>.json" and hold one JSON array of raw dataset rows.
type SnapshotImporter struct {
	jobs map[string]*Job
}

func NewSnapshotImporter(jobs []*Job) *SnapshotImporter {
	byName := make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		byName[j.Name] = j
	}
	return &SnapshotImporter{jobs: byName}
}

// ImportFile ingests one snapshot file. The upsert path makes re-importing
// the same file a no-op.
func (si *SnapshotImporter) ImportFile(ctx context.Context, path string) (CycleResult, error) {
	name := SourceForFile(path)
	job, ok := si.jobs[name]
	if !ok {
		return CycleResult{}, fmt.Errorf("snapshot %s: no source named %q", filepath.Base(path), name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return CycleResult{}, fmt.Errorf("read snapshot: %w", err)
	}
	var rows []source.Raw
	if err := json.Unmarshal(data, &rows); err != nil {
		return CycleResult{}, fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}

	fileJob := *job
	fileJob.Fetcher = &sliceFetcher{rows: rows}
	res := fileJob.RunCycle(ctx, time.Time{})
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// SourceForFile maps a snapshot filename to its source name: everything
// before the first dash, or the whole stem when there is none.
func SourceForFile(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(base, "-"); i > 0 {
		return base[:i]
	}
	return base
}

type sliceFetcher struct {
	rows []source.Raw
}

func (f *sliceFetcher) Fetch(since time.Time) Pager {
	return &slicePager{rows: f.rows}
}

type slicePager struct {
	rows  []source.Raw
	done  bool
	pages int
}

func (p *slicePager) Next(ctx context.Context) ([]source.Raw, error) {
	if p.done {
		return nil, nil
	}
	p.done = true
	if len(p.rows) == 0 {
		return nil, nil
	}
	p.pages = 1
	return p.rows, nil
}

func (p *slicePager) Pages() int { return p.pages }
