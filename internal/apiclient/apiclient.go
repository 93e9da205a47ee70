// Package apiclient is the rate-limited remote API client (C1) — the
// system's single entry point for outbound HTTP. It paces calls per
// process and decodes every response verbatim; it never treats a non-2xx
// response as a Go error, since the caller must branch on meta.status
// (spec.md §4.1).
package apiclient

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/blogcrawl/pipeline/internal/metrics"

	"github.com/go-resty/resty/v2"
)

// defaultMinInterval is T_min from spec.md §5 — the default floor on time
// between two calls issued by the same client instance.
const defaultMinInterval = 200 * time.Millisecond

// Response is the decoded shape every endpoint returns, flattened per
// spec.md §6.3: {meta: {status}, blog: {...}, posts: [...]}.
type Response struct {
	Meta struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	} `json:"meta"`
	Blog  map[string]interface{}   `json:"blog"`
	Posts []map[string]interface{} `json:"posts"`
}

// Client wraps a REST client with a process-wide pacing gate. One Client is
// shared by every worker goroutine in a process — the mutex around the
// pacing clock is what makes that safe, generalizing spec.md's "per
// instance" throttle from one-client-per-thread to one-client-per-process.
type Client struct {
	http        *resty.Client
	minInterval time.Duration

	mu           sync.Mutex
	lastRequest  time.Time
}

// New constructs a Client against baseURL with the given pacing floor.
// A zero minInterval falls back to spec.md's 200ms default.
func New(baseURL string, minInterval time.Duration) *Client {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}

	h := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(30 * time.Second)

	return &Client{http: h, minInterval: minInterval}
}

// pace blocks until at least minInterval has elapsed since the previous
// call made by this Client, matching client_fetch_posts.py's get_posts
// last_request bookkeeping.
func (c *Client) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastRequest)
	if elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
}

// BlogInfo calls blog_info(name). Status codes of interest are left for the
// caller to inspect on the returned Response. SetError mirrors SetResult at
// the same target: resty only unmarshals into Result on 2xx, and the
// original pytumblr client decodes the body on every status, so Error must
// point at the same struct or a real 404/429/503 would come back with a
// zeroed Response instead of a populated meta.status.
func (c *Client) BlogInfo(ctx context.Context, name string) (*Response, error) {
	c.pace()

	start := time.Now()
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		SetPathParam("name", name).
		Get("/blog/{name}/info")
	status := "error"
	if err == nil {
		status = resp.Status()
	}
	metrics.APICallDuration.WithLabelValues("blog_info", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Posts calls posts(name, offset).
func (c *Client) Posts(ctx context.Context, name string, offset int) (*Response, error) {
	c.pace()

	start := time.Now()
	var out Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		SetPathParam("name", name).
		SetQueryParam("offset", strconv.Itoa(offset)).
		Get("/blog/{name}/posts")
	status := "error"
	if err == nil {
		status = resp.Status()
	}
	metrics.APICallDuration.WithLabelValues("posts", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &out, nil
}
