package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"district_ingest/internal/ingest"
)

// Metrics exports ingestion health per source. The absence of fresh data is
// the only user-visible symptom of a failing source, so the last-success
// gauge is the signal operators alert on.
type Metrics struct {
	cyclesTotal     *prometheus.CounterVec
	ticksSkipped    *prometheus.CounterVec
	pagesFetched    *prometheus.CounterVec
	recordsUpserted *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	lastSuccessTS   *prometheus.GaugeVec
	cycleDuration   *prometheus.SummaryVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "cycles_total",
			Help:      "Ingestion cycles by source and terminal state",
		}, []string{"source", "state"}),
		ticksSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "ticks_skipped_total",
			Help:      "Scheduler ticks skipped because the previous cycle was still running",
		}, []string{"source"}),
		pagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "pages_fetched_total",
			Help:      "Pages fetched from remote APIs",
		}, []string{"source"}),
		recordsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "records_upserted_total",
			Help:      "Rows written through the upsert path",
		}, []string{"source"}),
		recordsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "records_filtered_total",
			Help:      "Records discarded by the district geofence",
		}, []string{"source"}),
		lastSuccessTS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last completed cycle",
		}, []string{"source"}),
		cycleDuration: factory.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: "ingest",
			Name:      "cycle_duration_seconds",
			Help:      "Time spent per ingestion cycle",
		}, []string{"source"}),
	}
}

// CycleFinished records one cycle outcome.
func (m *Metrics) CycleFinished(res ingest.CycleResult) {
	m.cyclesTotal.WithLabelValues(res.Source, string(res.State)).Inc()
	m.pagesFetched.WithLabelValues(res.Source).Add(float64(res.Pages))
	m.recordsUpserted.WithLabelValues(res.Source).Add(float64(res.Upserted))
	m.recordsDropped.WithLabelValues(res.Source).Add(float64(res.FilteredOut))
	m.cycleDuration.WithLabelValues(res.Source).Observe(res.Duration.Seconds())
	if res.State == ingest.StateCompleted {
		m.lastSuccessTS.WithLabelValues(res.Source).SetToCurrentTime()
	}
}

// TickSkipped counts a scheduler tick suppressed by the no-overlap rule.
func (m *Metrics) TickSkipped(source string) {
	m.ticksSkipped.WithLabelValues(source).Inc()
}
