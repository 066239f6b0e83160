package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"district_ingest/internal/config"
	"district_ingest/internal/geo"
	"district_ingest/internal/source"
	"district_ingest/internal/store"
)

// State tracks cycle progress for logging and the status endpoint.
type State string

const (
	StateStarted    State = "STARTED"
	StateFetching   State = "FETCHING"
	StateFiltering  State = "FILTERING"
	StatePersisting State = "PERSISTING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// CycleResult captures one full refresh cycle for one source. It is
// ephemeral: logged and exported as metrics, never persisted.
type CycleResult struct {
	Source      string        `json:"source"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Pages       int           `json:"pages_fetched"`
	Seen        int           `json:"records_seen"`
	Kept        int           `json:"records_kept"`
	FilteredOut int           `json:"records_filtered_out"`
	Unmapped    int           `json:"records_unmapped"`
	Upserted    int64         `json:"records_upserted"`
	State       State         `json:"state"`
	ErrMsg      string        `json:"error,omitempty"`
	Err         error         `json:"-"`
}

func (r *CycleResult) fail(err error) {
	r.State = StateFailed
	r.Err = err
	r.ErrMsg = err.Error()
}

// Pager yields pages of raw rows until exhausted.
type Pager interface {
	Next(ctx context.Context) ([]source.Raw, error)
	Pages() int
}

// Fetcher starts a paged fetch of records newer than since.
type Fetcher interface {
	Fetch(since time.Time) Pager
}

// Boundary is the geofence test. *geo.Fence satisfies it.
type Boundary interface {
	Contains(p *geo.Point) geo.Containment
}

// Upserter is the slice of the store a job needs.
type Upserter interface {
	UpsertBatch(ctx context.Context, records []store.Record) (int64, error)
}

// Job runs refresh cycles for one configured source.
type Job struct {
	Name    string
	Fetcher Fetcher
	Decoder source.Decoder
	Fence   Boundary // nil when the source is not geofenced
	Store   Upserter
}

// records are streamed into the store in chunks this size so a large
// backfill does not hold every page in memory.
const flushSize = 500

// RunCycle executes one fetch-filter-persist cycle. All failures, including
// panics, end up in the result; nothing propagates to the scheduler.
func (j *Job) RunCycle(ctx context.Context, since time.Time) (res CycleResult) {
	res = CycleResult{Source: j.Name, StartedAt: time.Now().UTC(), State: StateStarted}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
		if r := recover(); r != nil {
			res.fail(fmt.Errorf("cycle panic: %v", r))
		}
	}()

	fetchedAt := time.Now().UTC()
	batch := make([]store.Record, 0, flushSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res.State = StatePersisting
		n, err := j.Store.UpsertBatch(ctx, batch)
		res.Upserted += n
		batch = batch[:0]
		return err
	}

	pager := j.Fetcher.Fetch(since)
	for {
		res.State = StateFetching
		page, err := pager.Next(ctx)
		res.Pages = pager.Pages()
		if err != nil {
			res.fail(fmt.Errorf("fetch: %w", err))
			return
		}
		if len(page) == 0 {
			break
		}
		res.Seen += len(page)

		res.State = StateFiltering
		for _, row := range page {
			rec, err := j.Decoder.Decode(row)
			if errors.Is(err, source.ErrSkipRow) {
				continue
			}
			if err != nil {
				res.fail(fmt.Errorf("decode: %w", err))
				return
			}
			if !j.admit(&rec, &res) {
				continue
			}
			rec.FetchedAt = fetchedAt
			res.Kept++
			batch = append(batch, rec)
			if len(batch) >= flushSize {
				if err := flush(); err != nil {
					res.fail(fmt.Errorf("persist: %w", err))
					return
				}
			}
		}
	}

	if err := flush(); err != nil {
		res.fail(fmt.Errorf("persist: %w", err))
		return
	}
	res.State = StateCompleted
	return
}

// admit applies the geofence policy: outside is discarded, unknown location
// is kept but flagged unmapped.
func (j *Job) admit(rec *store.Record, res *CycleResult) bool {
	point := recordPoint(rec)
	if j.Fence == nil {
		if point == nil {
			rec.Unmapped = true
			res.Unmapped++
		}
		return true
	}
	switch j.Fence.Contains(point) {
	case geo.Outside:
		res.FilteredOut++
		return false
	case geo.Unknown:
		rec.Unmapped = true
		res.Unmapped++
	}
	return true
}

func recordPoint(rec *store.Record) *geo.Point {
	if rec.Latitude == nil || rec.Longitude == nil {
		return nil
	}
	return &geo.Point{Lat: *rec.Latitude, Lng: *rec.Longitude}
}

// SodaFetcher builds pagers against the remote dataset, pushing the date
// filter and any configured predicate down to the API.
type SodaFetcher struct {
	Client *source.Client
	Cfg    config.SourceConfig
}

func (f *SodaFetcher) Fetch(since time.Time) Pager {
	where := []string{f.Cfg.Where,
		fmt.Sprintf("%s > '%s'", f.Cfg.DateField, since.UTC().Format("2006-01-02T15:04:05")),
	}
	return f.Client.Pager(source.Query{
		Dataset:  f.Cfg.Dataset,
		Where:    where,
		Order:    f.Cfg.DateField + " DESC",
		PageSize: f.Cfg.PageSize,
	})
}
