package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client fetches paginated result sets from a SODA-style open-data API.
// Filters are pushed down as $where predicates so irrelevant records are
// never transferred.
type Client struct {
	baseURL  string
	appToken string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(baseURL, appToken string, timeout time.Duration, ratePerSec float64) *Client {
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		appToken: appToken,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(ratePerSec), 1),
	}
}

// Query describes one paged fetch against a dataset.
type Query struct {
	Dataset  string
	Where    []string
	Order    string
	PageSize int
}

// Raw is one undecoded SODA row.
type Raw map[string]interface{}

// StatusError marks a non-2xx API response. 4xx responses are permanent for
// the cycle; 5xx are transient and worth one retry.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Code, e.Body)
}

// Transient reports whether the status is worth a single immediate retry.
func (e *StatusError) Transient() bool { return e.Code >= 500 }

// Pager walks a dataset page by page. The sequence is lazy, finite, and not
// restartable: it is exhausted once a page comes back short or empty.
type Pager struct {
	client *Client
	query  Query
	offset int
	pages  int
	done   bool
}

// Pager starts a paged fetch for the query.
func (c *Client) Pager(q Query) *Pager {
	if q.PageSize <= 0 {
		q.PageSize = 1000
	}
	return &Pager{client: c, query: q}
}

// Pages reports how many pages have been fetched so far.
func (p *Pager) Pages() int { return p.pages }

// Done reports whether the sequence is exhausted.
func (p *Pager) Done() bool { return p.done }

// Next fetches the next page. It returns (nil, nil) once exhausted. Any
// error fails the whole fetch for this cycle; the pager does not skip ahead,
// since a mid-sequence failure makes the remaining offsets untrustworthy.
func (p *Pager) Next(ctx context.Context) ([]Raw, error) {
	if p.done {
		return nil, nil
	}
	page, err := p.client.fetchPage(ctx, p.query, p.offset)
	if err != nil {
		p.done = true
		return nil, err
	}
	p.pages++
	p.offset += len(page)
	if len(page) < p.query.PageSize {
		p.done = true
	}
	if len(page) == 0 {
		return nil, nil
	}
	return page, nil
}

// fetchPage issues one page request with at most one immediate retry on a
// transient failure. 4xx and malformed bodies are permanent.
func (c *Client) fetchPage(ctx context.Context, q Query, offset int) ([]Raw, error) {
	page, err := c.doPage(ctx, q, offset)
	if err == nil {
		return page, nil
	}
	if !isTransient(err) || ctx.Err() != nil {
		return nil, err
	}
	return c.doPage(ctx, q, offset)
}

func (c *Client) doPage(ctx context.Context, q Query, offset int) ([]Raw, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s.json", c.baseURL, q.Dataset)
	values := url.Values{}
	if where := strings.Join(nonEmpty(q.Where), " AND "); where != "" {
		values.Set("$where", where)
	}
	if q.Order != "" {
		values.Set("$order", q.Order)
	}
	values.Set("$limit", strconv.Itoa(q.PageSize))
	values.Set("$offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s offset=%d: %w", q.Dataset, offset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var page []Raw
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &permanentError{fmt.Errorf("decode %s offset=%d: %w", q.Dataset, offset, err)}
	}
	return page, nil
}

// permanentError marks failures not worth retrying, like a malformed body.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	// Anything else is transport-level (timeout, reset) and gets the one
	// retry. Per-request timeouts land here too: the client deadline reports
	// context.DeadlineExceeded, so matching on that would misread a slow
	// upstream as a dead caller. Caller cancellation is checked on ctx itself
	// in fetchPage.
	return true
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
