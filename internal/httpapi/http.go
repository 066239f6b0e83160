package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"district_ingest/internal/config"
	"district_ingest/internal/ingest"
	"district_ingest/internal/stats"
	"district_ingest/internal/store"
)

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	cfg   config.Config
	store *store.Store
	sched *ingest.Scheduler
	stats *stats.Queries
}

func NewRouter(cfg config.Config, st *store.Store, sched *ingest.Scheduler, q *stats.Queries) *Router {
	return &Router{cfg: cfg, store: st, sched: sched, stats: q}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/summary", r.summary)
	mux.HandleFunc("/api/top", r.top)
	mux.HandleFunc("/api/trend", r.trend)
	mux.HandleFunc("/api/events", r.events)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/trigger", r.trigger)
}

func (r *Router) summary(w http.ResponseWriter, req *http.Request) {
	source := req.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	period, err := stats.ParsePeriod(req.URL.Query().Get("period"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := r.stats.Summary(req.Context(), source, period, config.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, out)
}

func (r *Router) top(w http.ResponseWriter, req *http.Request) {
	source := req.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	period, err := stats.ParsePeriod(req.URL.Query().Get("period"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := queryInt(req, "limit", 10)
	out, err := r.stats.TopN(req.Context(), source, period, limit, config.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"source": source, "period": period, "groups": out})
}

func (r *Router) trend(w http.ResponseWriter, req *http.Request) {
	source := req.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	gran, err := stats.ParseGranularity(req.URL.Query().Get("granularity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	months := queryInt(req, "months", 3)
	out, err := r.stats.Trend(req.Context(), source, months, gran, config.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"source": source, "granularity": gran, "points": out})
}

func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	source := req.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	hours := queryInt(req, "hours", 24)
	limit := queryInt(req, "limit", 100)
	since := config.Now().Add(-time.Duration(hours) * time.Hour)
	list, err := r.store.RecentRecords(req.Context(), source, since, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	counts, _ := r.store.TableCounts(ctx)
	respondJSON(w, map[string]any{
		"sources": len(r.cfg.Sources),
		"counts":  counts,
		"cycles":  r.sched.LastResults(),
	})
}

func (r *Router) trigger(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Source string `json:"source"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !r.sched.Trigger(body.Source) {
		http.Error(w, "unknown source", http.StatusNotFound)
		return
	}
	respondJSON(w, map[string]any{"status": "triggered", "source": body.Source})
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(req *http.Request, key string, def int) int {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
