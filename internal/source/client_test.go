package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func pageServer(t *testing.T, total, pageSize int, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("$offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("$limit"))
		if limit != pageSize {
			t.Errorf("unexpected $limit %d", limit)
		}
		n := total - offset
		if n < 0 {
			n = 0
		}
		if n > limit {
			n = limit
		}
		rows := make([]Raw, n)
		for i := range rows {
			rows[i] = Raw{"unique_key": fmt.Sprintf("row-%d", offset+i)}
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, p *Pager) (int, error) {
	t.Helper()
	seen := 0
	for {
		page, err := p.Next(context.Background())
		if err != nil {
			return seen, err
		}
		if page == nil {
			return seen, nil
		}
		seen += len(page)
	}
}

func TestPagerWalksUntilShortPage(t *testing.T) {
	var hits atomic.Int64
	srv := pageServer(t, 1200, 500, &hits)
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	p := c.Pager(Query{Dataset: "test-data", PageSize: 500})
	seen, err := drain(t, p)
	if err != nil {
		t.Fatal(err)
	}
	if seen != 1200 {
		t.Fatalf("expected 1200 rows, got %d", seen)
	}
	if p.Pages() != 3 {
		t.Fatalf("expected 3 pages (500/500/200), got %d", p.Pages())
	}
	if !p.Done() {
		t.Fatal("pager should be exhausted")
	}
	// Exhausted pagers stay exhausted.
	if page, err := p.Next(context.Background()); page != nil || err != nil {
		t.Fatalf("expected (nil, nil) after exhaustion, got %v %v", page, err)
	}
}

func TestPagerExactMultipleEndsOnEmptyPage(t *testing.T) {
	var hits atomic.Int64
	srv := pageServer(t, 1000, 500, &hits)
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	seen, err := drain(t, c.Pager(Query{Dataset: "test-data", PageSize: 500}))
	if err != nil {
		t.Fatal(err)
	}
	if seen != 1000 {
		t.Fatalf("expected 1000 rows, got %d", seen)
	}
}

func TestRetryOnceOnServerError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]Raw{{"unique_key": "k"}})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	page, err := c.Pager(Query{Dataset: "d", PageSize: 500}).Next(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 row, got %d", len(page))
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", hits.Load())
	}
}

func TestRetryOnceOnRequestTimeout(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			// Stall past the client deadline. The error carries
			// context.DeadlineExceeded even though the caller is still live,
			// and must get the retry like any other transport failure.
			time.Sleep(300 * time.Millisecond)
			return
		}
		_ = json.NewEncoder(w).Encode([]Raw{{"unique_key": "k"}})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 50*time.Millisecond, 1000)

	page, err := c.Pager(Query{Dataset: "d", PageSize: 500}).Next(context.Background())
	if err != nil {
		t.Fatalf("expected timeout retry to succeed: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 row, got %d", len(page))
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", hits.Load())
	}
}

func TestNoRetryOnCallerCancel(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Pager(Query{Dataset: "d", PageSize: 500}).Next(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("caller cancellation must not be retried, got %d attempts", hits.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "malformed query", http.StatusBadRequest)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	_, err := c.Pager(Query{Dataset: "d", PageSize: 500}).Next(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", hits.Load())
	}
}

func TestNoRetryOnMalformedBody(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"not": "an array"`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	_, err := c.Pager(Query{Dataset: "d", PageSize: 500}).Next(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if hits.Load() != 1 {
		t.Fatalf("malformed body must not be retried, got %d attempts", hits.Load())
	}
}

func TestWherePredicatesJoined(t *testing.T) {
	var gotWhere string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotWhere = r.URL.Query().Get("$where")
		_ = json.NewEncoder(w).Encode([]Raw{})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 5*time.Second, 1000)

	q := Query{Dataset: "d", PageSize: 10, Where: []string{"council_district='2'", "", "created_date > '2026-01-01'"}}
	if _, err := c.Pager(q).Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := "council_district='2' AND created_date > '2026-01-01'"
	if gotWhere != want {
		t.Fatalf("got %q want %q", gotWhere, want)
	}
}
