// Package fetch is the shared outbound HTTP client used by the market-data,
// tracker and image-search integrations.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const userAgent = "cloudlaunch/1.0"

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: HTTP %d", e.Code)
}

// Client wraps http.Client with a per-host token bucket. Every call is a
// single attempt; callers decide how to degrade.
type Client struct {
	httpClient *http.Client
	rps        rate.Limit
	burst      int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	requests atomic.Int64
	failures atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the per-host request rate. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.rps = rate.Inf
		} else {
			c.rps = rate.Limit(rps)
		}
		if burst < 1 {
			burst = 1
		}
		c.burst = burst
	}
}

// New creates a client with the given default timeout.
func New(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		rps:        rate.Inf,
		burst:      1,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Stats returns the number of requests issued and how many failed.
func (c *Client) Stats() (requests, failures int64) {
	return c.requests.Load(), c.failures.Load()
}

// Do issues one request and returns the response body. Non-2xx answers
// yield a *StatusError carrying the body.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse url: %w", err)
	}
	if err := c.limiter(u.Host).Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("fetch: %s %s: %w", method, u.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failures.Add(1)
		return data, &StatusError{Code: resp.StatusCode, Body: data}
	}
	return data, nil
}

// Get issues a GET with an Accept header.
func (c *Client) Get(ctx context.Context, rawURL string, accept string) ([]byte, error) {
	h := http.Header{}
	if accept != "" {
		h.Set("Accept", accept)
	}
	return c.Do(ctx, http.MethodGet, rawURL, h, nil)
}

// GetJSON issues a GET and decodes the JSON answer into dst.
func (c *Client) GetJSON(ctx context.Context, rawURL string, dst any) error {
	data, err := c.Get(ctx, rawURL, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("fetch: decode: %w", err)
	}
	return nil
}

// PostJSON posts payload as JSON with extra headers and decodes the answer
// into dst when dst is non-nil.
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, payload, dst any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fetch: encode: %w", err)
	}
	h := http.Header{}
	for k, vs := range header {
		h[k] = vs
	}
	h.Set("Content-Type", "application/json")

	data, err := c.Do(ctx, http.MethodPost, rawURL, h, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("fetch: decode: %w", err)
	}
	return nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[host] = l
	}
	return l
}
