// Package httpclient implements the throttled, retrying HTTP client
// used for all upstream fetches.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quillstats/rankwatch/internal/books"
	"github.com/quillstats/rankwatch/internal/metrics"
)

// Config controls throttling and retry behavior.
type Config struct {
	Timeout        time.Duration
	RateLimitDelay time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	UserAgent      string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// Client issues GET requests with a minimum inter-request delay and
// bounded exponential-backoff retry. A burst-1 limiter is acquired
// before every attempt, so retries are throttled exactly like fresh
// requests.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Client. A nil httpClient falls back to a default
// client with the configured timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RateLimitDelay > 0 {
		limit = rate.Every(cfg.RateLimitDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  logger,
	}
}

// Get fetches the URL and returns the raw body after verifying it
// decodes as JSON. Transport failures and retryable statuses are
// retried up to MaxRetries additional times with exponential backoff;
// undecodable bodies fail immediately as MalformedResponseError.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return nil, books.NewTransient("get "+url, err)
			}
		}

		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, books.NewTransient("get "+url, err)
		}
		if waited := time.Since(waitStart); waited > time.Millisecond {
			metrics.ObserveRateLimitDelay(waited)
		}

		body, retryable, err := c.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, books.NewTransient("get "+url, fmt.Errorf("retries exhausted: %w", lastErr))
}

// attempt performs one GET. The bool result reports retryability.
func (c *Client) attempt(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, &books.ConfigurationError{Detail: fmt.Sprintf("build request for %s: %v", url, err)}
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, books.NewTransient("get "+url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	metrics.ObserveUpstreamRequest(resp.StatusCode)

	if retryableStatus(resp.StatusCode) {
		return nil, true, books.NewTransient("get "+url, fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, &books.MalformedResponseError{
			Reason: fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, url),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, books.NewTransient("read body from "+url, err)
	}
	if !json.Valid(body) {
		// Structurally wrong, not transient: do not retry.
		return nil, false, &books.MalformedResponseError{
			Reason:   "response body is not valid JSON",
			Fragment: fragmentOf(body),
		}
	}
	return body, false, nil
}

// backoff returns base * factor^attempt capped at MaxBackoff.
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= c.cfg.BackoffFactor
	}
	if d > float64(c.cfg.MaxBackoff) {
		return c.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return code >= 500
}

const maxFragmentLen = 120

func fragmentOf(body []byte) string {
	if len(body) > maxFragmentLen {
		body = body[:maxFragmentLen]
	}
	return string(body)
}
