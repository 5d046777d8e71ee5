package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// sharedTransport is the process-wide connection pool all HTTP trackers
// share: bounded per-host sockets with a 60s idle timeout.
var sharedTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 50,
	MaxConnsPerHost:     50,
	IdleConnTimeout:     60 * time.Second,
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Token   string
	// RatePerSecond is the token bucket refill rate; 0 disables limiting.
	RatePerSecond float64
	// RateMaxWait bounds how long a call may wait for a token before
	// failing RateLimited.
	RateMaxWait time.Duration
	// APIDelay is the minimum spacing between consecutive calls.
	APIDelay time.Duration
	// Timeout is the per-call timeout. Defaults to 60s.
	Timeout time.Duration
}

// HTTPClient is the shared JSON-over-HTTP plumbing for the Huly and Vibe
// clients: auth header, token bucket, inter-call pacing, and error
// classification into the sync taxonomy.
type HTTPClient struct {
	base    string
	token   string
	hc      *http.Client
	limiter *rate.Limiter
	maxWait time.Duration
	delay   time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// NewHTTPClient builds an HTTPClient on the shared transport.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), int(opts.RatePerSecond)+1)
	}
	maxWait := opts.RateMaxWait
	if maxWait == 0 {
		maxWait = 30 * time.Second
	}
	return &HTTPClient{
		base:    strings.TrimSuffix(opts.BaseURL, "/"),
		token:   opts.Token,
		hc:      &http.Client{Transport: sharedTransport, Timeout: timeout},
		limiter: limiter,
		maxWait: maxWait,
		delay:   opts.APIDelay,
	}
}

// BaseURL returns the configured base URL.
func (c *HTTPClient) BaseURL() string { return c.base }

// pace enforces the inter-call delay and the token bucket. A bucket wait
// longer than maxWait fails RateLimited (retryable).
func (c *HTTPClient) pace(ctx context.Context, op string) error {
	if c.delay > 0 {
		c.mu.Lock()
		since := time.Since(c.lastCall)
		if since < c.delay {
			wait := c.delay - since
			c.mu.Unlock()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.mu.Lock()
		}
		c.lastCall = time.Now()
		c.mu.Unlock()
	}

	if c.limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.maxWait)
		defer cancel()
		if err := c.limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return syncerr.New(syncerr.RateLimited, op, fmt.Errorf("token bucket wait exceeded %s", c.maxWait))
		}
	}
	return nil
}

// DoJSON performs a JSON request. A nil body sends no payload; a nil out
// discards the response body. HTTP errors are classified via syncerr.
func (c *HTTPClient) DoJSON(ctx context.Context, method, path string, body, out interface{}) error {
	op := fmt.Sprintf("%s %s", method, path)
	if err := c.pace(ctx, op); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return syncerr.New(syncerr.Fatal, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return syncerr.New(syncerr.Fatal, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncerr.FromTransport(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.FromTransport(op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return syncerr.FromHTTPStatus(op, resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return syncerr.New(syncerr.Validation, op, fmt.Errorf("failed to parse response: %w", err))
		}
	}
	return nil
}
