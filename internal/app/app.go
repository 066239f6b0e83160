package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"district_ingest/internal/config"
	"district_ingest/internal/geo"
	"district_ingest/internal/httpapi"
	"district_ingest/internal/ingest"
	"district_ingest/internal/metrics"
	"district_ingest/internal/source"
	"district_ingest/internal/stats"
	"district_ingest/internal/store"
	"district_ingest/internal/watch"
)

// App wires the data plane components together.
type App struct {
	cfg     config.Config
	store   *store.Store
	sched   *ingest.Scheduler
	watcher *watch.Watcher
	mux     *http.ServeMux
}

func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	// A source asking for geofencing with no usable boundary is a
	// configuration error, not something to degrade around.
	var fence *geo.Fence
	if needsFence(cfg) {
		if cfg.BoundaryPath == "" {
			return nil, fmt.Errorf("geofenced sources configured but BOUNDARY_PATH is unset")
		}
		fence, err = geo.Load(cfg.BoundaryPath)
		if err != nil {
			return nil, fmt.Errorf("load boundary: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)
	sched := ingest.NewScheduler(st, cfg.BackfillWindow(), mets)

	var jobs []*ingest.Job
	for _, sc := range cfg.Sources {
		dec, err := source.NewDecoder(sc.Kind, sc.Name, sc.Dataset, cfg.SodaBaseURL)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		client := source.NewClient(cfg.SodaBaseURL, cfg.SodaAppToken, cfg.RequestTimeout(), sc.RatePerSecond)
		job := &ingest.Job{
			Name:    sc.Name,
			Fetcher: &ingest.SodaFetcher{Client: client, Cfg: sc},
			Decoder: dec,
			Store:   st,
		}
		if sc.Geofence {
			job.Fence = fence
		}
		jobs = append(jobs, job)
		sched.Register(sc.Name, sc.Interval(), sc.Lookback(), job)
	}

	watcher := watch.New(cfg, ingest.NewSnapshotImporter(jobs))

	mux := http.NewServeMux()
	router := httpapi.NewRouter(cfg, st, sched, stats.New(st.DB()))
	router.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &App{cfg: cfg, store: st, sched: sched, watcher: watcher, mux: mux}, nil
}

func needsFence(cfg config.Config) bool {
	for _, sc := range cfg.Sources {
		if sc.Geofence {
			return true
		}
	}
	return false
}

// Run starts the scheduler, watcher, and HTTP server.
func (a *App) Run(ctx context.Context) error {
	a.sched.Start(ctx)
	defer a.sched.Stop()
	if err := a.watcher.Start(ctx); err != nil {
		return err
	}
	if a.cfg.EnableWatcher && a.cfg.SnapshotDir != "" {
		if err := a.watcher.ImportExisting(ctx); err != nil {
			log.Printf("snapshot sweep failed: %v", err)
		}
	}
	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: a.mux}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	log.Printf("http listening on %s", a.cfg.HTTPPort)
	return srv.ListenAndServe()
}

func (a *App) Scheduler() *ingest.Scheduler { return a.sched }
func (a *App) Store() *store.Store          { return a.store }
func (a *App) Mux() *http.ServeMux          { return a.mux }
