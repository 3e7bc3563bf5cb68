// Package netx wraps the outbound HTTP path with the guards every exchange
// call needs: a token-bucket rate limit, a circuit breaker, and bounded
// retries with jittered exponential backoff.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantpulse/barflow/internal/errs"
)

// ClientConfig tunes the guarded HTTP client.
type ClientConfig struct {
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
	Backoff           Backoff
	UserAgent         string
}

// DefaultClientConfig is suitable for public exchange REST endpoints.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:    30 * time.Second,
		RequestsPerSecond: 1.0,
		Burst:             2,
		Backoff:           DefaultBackoff(),
		UserAgent:         "barflow/1.0",
	}
}

// Client is a rate-limited, circuit-broken HTTP client.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a guarded client for one upstream host.
func NewClient(name string, cfg ClientConfig) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// GetJSON fetches a URL with retries and returns the response body. Rate
// limit waits happen before each attempt so retries cannot starve other
// callers of tokens.
func (c *Client) GetJSON(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Backoff.Attempts; attempt++ {
		if attempt > 0 {
			log.Debug().
				Int("attempt", attempt).
				Str("url", url).
				Msg("Retrying HTTP request")
			if err := c.cfg.Backoff.Sleep(ctx, attempt); err != nil {
				return nil, errs.Wrap(errs.KindConnect, err)
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindConnect, err)
		}

		body, err := c.doOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errs.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, url string) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindConnect, err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, errs.Wrap(errs.KindConnect, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errs.Wrap(errs.KindConnect, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errs.New(errs.KindRateLimit, "HTTP 429 from %s", url)
		case resp.StatusCode >= 500:
			return nil, errs.New(errs.KindConnect, "HTTP %d from %s", resp.StatusCode, url)
		case resp.StatusCode != http.StatusOK:
			return nil, errs.New(errs.KindProtocol, "HTTP %d from %s", resp.StatusCode, url)
		}
		return body, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errs.Wrap(errs.KindConnect, fmt.Errorf("circuit open: %w", err))
		}
		return nil, err
	}
	return result.([]byte), nil
}
