package ingest

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CycleRunner is what the scheduler drives. *Job satisfies it.
type CycleRunner interface {
	RunCycle(ctx context.Context, since time.Time) CycleResult
}

// RowCounter gates the one-time backfill: a source with zero stored rows
// gets an extended first window. No separate flag is kept, so restarting on
// a populated store never re-triggers backfill.
type RowCounter interface {
	CountBySource(ctx context.Context, source string) (int64, error)
}

// Observer receives cycle outcomes and skipped ticks, typically for metrics.
type Observer interface {
	CycleFinished(res CycleResult)
	TickSkipped(source string)
}

type entry struct {
	name     string
	interval time.Duration
	lookback time.Duration
	job      CycleRunner
	running  atomic.Bool
	starts   atomic.Int64
}

// Scheduler runs registered jobs on independent fixed intervals. A job
// failure never affects sibling jobs, and overlapping runs of the same job
// are skipped rather than queued.
type Scheduler struct {
	counter        RowCounter
	backfillWindow time.Duration
	obs            Observer

	entries []*entry
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	last    map[string]CycleResult
	started bool
}

func NewScheduler(counter RowCounter, backfillWindow time.Duration, obs Observer) *Scheduler {
	return &Scheduler{
		counter:        counter,
		backfillWindow: backfillWindow,
		obs:            obs,
		last:           make(map[string]CycleResult),
	}
}

// Register adds a job. All registrations must happen before Start.
func (s *Scheduler) Register(name string, interval, lookback time.Duration, job CycleRunner) {
	s.entries = append(s.entries, &entry{
		name:     name,
		interval: interval,
		lookback: lookback,
		job:      job,
	})
}

// Start launches one loop per registered source. Each loop runs immediately
// once (with the backfill window if the store has no rows for the source)
// and then on its fixed interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
	s.cancel = cancel
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	log.Printf("scheduler: started %d jobs", len(s.entries))
}

// Stop cancels all loops and waits for in-flight cycles. Abandoned partial
// upserts are safe to leave: the next run reconciles them.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	window := e.lookback
	if n, err := s.counter.CountBySource(ctx, e.name); err == nil && n == 0 {
		window = s.backfillWindow
		log.Printf("scheduler: %s store empty, backfilling %s", e.name, window)
	}
	s.runOnce(e, window)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(e, e.lookback)
		}
	}
}

// runContext is the lifetime all cycles run under: the Start context until
// Stop cancels it. Cycles never run on a caller's context, so a trigger
// outlives the HTTP request that asked for it.
func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// runOnce starts a cycle unless the previous one for this source is still in
// flight, in which case this tick is skipped entirely.
func (s *Scheduler) runOnce(e *entry, window time.Duration) {
	if !e.running.CompareAndSwap(false, true) {
		log.Printf("scheduler: %s still running, skipping tick", e.name)
		if s.obs != nil {
			s.obs.TickSkipped(e.name)
		}
		return
	}
	e.starts.Add(1)
	s.wg.Add(1)
	ctx := s.runContext()
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)

		res := e.job.RunCycle(ctx, time.Now().UTC().Add(-window))
		s.record(res)
		if s.obs != nil {
			s.obs.CycleFinished(res)
		}
		if res.Err != nil {
			log.Printf("cycle source=%s state=%s pages=%d seen=%d duration_ms=%d error=%v",
				res.Source, res.State, res.Pages, res.Seen, res.Duration.Milliseconds(), res.Err)
			return
		}
		log.Printf("cycle source=%s state=%s pages=%d seen=%d kept=%d filtered=%d unmapped=%d upserted=%d duration_ms=%d",
			res.Source, res.State, res.Pages, res.Seen, res.Kept, res.FilteredOut, res.Unmapped, res.Upserted, res.Duration.Milliseconds())
	}()
}

func (s *Scheduler) record(res CycleResult) {
	s.mu.Lock()
	s.last[res.Source] = res
	s.mu.Unlock()
}

// Trigger kicks a named job outside its schedule, honoring the no-overlap
// rule. Reports whether the source is registered.
func (s *Scheduler) Trigger(name string) bool {
	for _, e := range s.entries {
		if e.name == name {
			s.runOnce(e, e.lookback)
			return true
		}
	}
	return false
}

// LastResults returns the most recent cycle result per source, ordered by
// source name.
func (s *Scheduler) LastResults() []CycleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CycleResult, 0, len(s.last))
	for _, res := range s.last {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// CycleStarts reports how many cycles have actually begun for a source,
// which together with elapsed ticks verifies the no-overlap rule.
func (s *Scheduler) CycleStarts(name string) int64 {
	for _, e := range s.entries {
		if e.name == name {
			return e.starts.Load()
		}
	}
	return 0
}
