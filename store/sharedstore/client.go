// Package sharedstore implements the limitrate Store interface over the
// literal `{type: "shared", url, token}` configuration variant: a REST
// KV service reachable over HTTP, with retry/backoff and a circuit breaker
// so a flaky shared store degrades gracefully instead of hanging requests.
package sharedstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/limitrate/limitrate/store"
)

// Client is a Store backed by a remote REST KV service exposing
// peek/commit/reset operations under a single base URL.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	breaker    *circuitBreaker
}

// New constructs a Client against the shared store reachable at url,
// authenticating requests with a bearer token.
func New(url, token string) *Client {
	return &Client{
		baseURL:    url,
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 3,
		breaker:    newCircuitBreaker(5, 10*time.Second),
	}
}

var _ store.Store = (*Client)(nil)

type rateRequest struct {
	Key           string `json:"key"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"windowSeconds"`
}

type costRequest struct {
	Key           string  `json:"key"`
	Amount        float64 `json:"amount,omitempty"`
	WindowSeconds int     `json:"windowSeconds"`
	Cap           float64 `json:"cap,omitempty"`
}

type rateResponse struct {
	Current        int  `json:"current"`
	ResetInSeconds int  `json:"resetInSeconds"`
	Exceeded       bool `json:"exceeded"`
}

type costResponse struct {
	Current        float64 `json:"current"`
	ResetInSeconds int     `json:"resetInSeconds"`
	Exceeded       bool    `json:"exceeded"`
	Cap            float64 `json:"cap"`
}

func (c *Client) PeekRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	var resp rateResponse
	if err := c.call(ctx, "/v1/rate/peek", rateRequest{Key: key, Limit: limit, WindowSeconds: windowSeconds}, &resp); err != nil {
		return store.RateResult{}, err
	}
	return store.RateResult{Current: resp.Current, ResetInSeconds: resp.ResetInSeconds, Exceeded: resp.Exceeded}, nil
}

func (c *Client) CommitRate(ctx context.Context, key string, limit int, windowSeconds int) (store.RateResult, error) {
	var resp rateResponse
	if err := c.call(ctx, "/v1/rate/commit", rateRequest{Key: key, Limit: limit, WindowSeconds: windowSeconds}, &resp); err != nil {
		return store.RateResult{}, err
	}
	return store.RateResult{Current: resp.Current, ResetInSeconds: resp.ResetInSeconds, Exceeded: resp.Exceeded}, nil
}

func (c *Client) PeekCost(ctx context.Context, key string, windowSeconds int) (store.CostResult, error) {
	var resp costResponse
	if err := c.call(ctx, "/v1/cost/peek", costRequest{Key: key, WindowSeconds: windowSeconds}, &resp); err != nil {
		return store.CostResult{}, err
	}
	return store.CostResult{Current: resp.Current, ResetInSeconds: resp.ResetInSeconds, Exceeded: resp.Exceeded, Cap: resp.Cap}, nil
}

func (c *Client) CommitCost(ctx context.Context, key string, amount float64, windowSeconds int, cap float64) (store.CostResult, error) {
	var resp costResponse
	if err := c.call(ctx, "/v1/cost/commit", costRequest{Key: key, Amount: amount, WindowSeconds: windowSeconds, Cap: cap}, &resp); err != nil {
		return store.CostResult{}, err
	}
	return store.CostResult{Current: resp.Current, ResetInSeconds: resp.ResetInSeconds, Exceeded: resp.Exceeded, Cap: resp.Cap}, nil
}

func (c *Client) Reset(ctx context.Context, key string) error {
	return c.call(ctx, "/v1/reset", map[string]string{"key": key}, nil)
}

// call posts body to path and decodes the JSON response into out (when
// non-nil), retrying transient failures with exponential backoff and jitter
// behind a circuit breaker, grounded on the teacher's resiliency client.
func (c *Client) call(ctx context.Context, path string, body interface{}, out interface{}) error {
	if !c.breaker.allow() {
		return &store.ErrUnavailable{Op: path, Reason: "circuit breaker open"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sharedstore: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("sharedstore: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				c.breaker.failure()
				return &store.ErrUnavailable{Op: path, Reason: fmt.Sprintf("shared store returned %d", resp.StatusCode)}
			}
			c.breaker.success()
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("sharedstore: decode response: %w", err)
			}
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("shared store returned %d", resp.StatusCode)
		}
		if attempt == c.maxRetries || ctx.Err() != nil {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
		jitter := time.Duration(rand.Intn(25)) * time.Millisecond
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = c.maxRetries
		}
	}

	c.breaker.failure()
	return &store.ErrUnavailable{Op: path, Reason: lastErr.Error()}
}

// circuitBreaker is a minimal closed/open/half-open breaker so a dead
// shared store fails fast instead of retrying every request into a
// timeout, grounded on the teacher's CircuitBreaker.
type circuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	open         bool
}

func newCircuitBreaker(threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.lastFailure) > b.resetTimeout {
		b.open = false
		b.failureCount = 0
		return true
	}
	return false
}

func (b *circuitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.open = false
}

func (b *circuitBreaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = time.Now()
	if b.failureCount >= b.threshold {
		b.open = true
	}
}
