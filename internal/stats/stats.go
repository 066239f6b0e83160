package stats

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"district_ingest/internal/store"
)

// Period selects the aggregation window. All periods are rolling windows
// anchored at "now": daily is the last 24 hours, weekly the last 7 days, and
// monthly the last 30 days. Calendar months are deliberately not used, so
// period-over-period comparisons always cover windows of equal length.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Window returns the rolling window length for the period.
func (p Period) Window() (time.Duration, error) {
	switch p {
	case PeriodDaily:
		return 24 * time.Hour, nil
	case PeriodWeekly:
		return 7 * 24 * time.Hour, nil
	case PeriodMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown period %q", p)
	}
}

// ParsePeriod validates a period string from a request. An empty value
// defaults to daily.
func ParsePeriod(v string) (Period, error) {
	if v == "" {
		return PeriodDaily, nil
	}
	p := Period(v)
	if _, err := p.Window(); err != nil {
		return "", err
	}
	return p, nil
}

// Granularity selects trend bucket width.
type Granularity string

const (
	BucketDaily   Granularity = "daily"
	BucketWeekly  Granularity = "weekly"
	BucketMonthly Granularity = "monthly"
)

func (g Granularity) days() (int, error) {
	switch g {
	case BucketDaily:
		return 1, nil
	case BucketWeekly:
		return 7, nil
	case BucketMonthly:
		return 30, nil
	default:
		return 0, fmt.Errorf("unknown granularity %q", g)
	}
}

// ParseGranularity validates a granularity string from a request. An empty
// value defaults to daily buckets.
func ParseGranularity(v string) (Granularity, error) {
	if v == "" {
		return BucketDaily, nil
	}
	g := Granularity(v)
	if _, err := g.days(); err != nil {
		return "", err
	}
	return g, nil
}

// Queries is the read-only aggregation layer over the record store. It is
// safe to use concurrently with ingestion writes; WAL isolation is the only
// coordination.
type Queries struct {
	db *sql.DB
}

func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Summary is a period count with its immediately preceding equal-length
// window and the percent change between them.
type Summary struct {
	Source     string  `json:"source,omitempty"`
	Period     Period  `json:"period"`
	Total      int     `json:"total"`
	PriorTotal int     `json:"prior_period_total"`
	PctChange  float64 `json:"pct_change"`
}

// Summary counts records in the period and the window of equal length just
// before it. A prior total of zero yields a percent change of zero, never a
// division error.
func (q *Queries) Summary(ctx context.Context, source string, period Period, now time.Time) (Summary, error) {
	window, err := period.Window()
	if err != nil {
		return Summary{}, err
	}
	since := now.Add(-window)
	priorSince := now.Add(-2 * window)

	total, err := q.countRange(ctx, source, since, now)
	if err != nil {
		return Summary{}, err
	}
	prior, err := q.countRange(ctx, source, priorSince, since)
	if err != nil {
		return Summary{}, err
	}

	pct := 0.0
	if prior > 0 {
		pct = math.Round(float64(total-prior)/float64(prior)*1000) / 10
	}
	return Summary{Source: source, Period: period, Total: total, PriorTotal: prior, PctChange: pct}, nil
}

func (q *Queries) countRange(ctx context.Context, source string, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE occurred_at > ? AND occurred_at <= ?`
	args := []interface{}{store.FormatTime(from), store.FormatTime(to)}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// GroupCount is one group-by bucket in a top-N result.
type GroupCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// TopN returns the most frequent categories in the period. Ties break on
// the category's lexical order so repeated identical queries return the
// same sequence.
func (q *Queries) TopN(ctx context.Context, source string, period Period, limit int, now time.Time) ([]GroupCount, error) {
	window, err := period.Window()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 15
	}
	query := `SELECT COALESCE(category, ''), COUNT(*) as cnt
		FROM records WHERE occurred_at > ?`
	args := []interface{}{store.FormatTime(now.Add(-window))}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` GROUP BY category ORDER BY cnt DESC, category ASC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupCount
	for rows.Next() {
		var gc GroupCount
		if err := rows.Scan(&gc.Key, &gc.Count); err != nil {
			return nil, err
		}
		out = append(out, gc)
	}
	return out, rows.Err()
}

// TrendPoint is one dense trend bucket. Buckets with no records still
// appear with a zero count.
type TrendPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Count       int       `json:"count"`
}

// Trend buckets record counts over the last months*30 days up to and
// including the current (partial) day. The sequence
// covers the whole range: days or weeks without records show count zero
// rather than being omitted.
func (q *Queries) Trend(ctx context.Context, source string, months int, granularity Granularity, now time.Time) ([]TrendPoint, error) {
	bucketDays, err := granularity.days()
	if err != nil {
		return nil, err
	}
	if months <= 0 {
		months = 1
	}
	windowDays := months * 30
	start := now.UTC().AddDate(0, 0, -windowDays).Truncate(24 * time.Hour)

	query := `SELECT date(occurred_at), COUNT(*) FROM records WHERE occurred_at > ?`
	args := []interface{}{store.FormatTime(start)}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` GROUP BY date(occurred_at)`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byDay := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		byDay[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The range spans windowDays full days plus the partial current day, so
	// records that arrived since midnight land in the final bucket.
	totalDays := windowDays + 1
	bucketCount := (totalDays + bucketDays - 1) / bucketDays
	points := make([]TrendPoint, bucketCount)
	for i := range points {
		points[i].BucketStart = start.AddDate(0, 0, i*bucketDays)
	}
	for i := 0; i < totalDays; i++ {
		day := start.AddDate(0, 0, i).Format("2006-01-02")
		if n, ok := byDay[day]; ok {
			points[i/bucketDays].Count += n
		}
	}
	return points, nil
}
