package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxBodySize caps how much of a response is read
const maxBodySize = 4 << 20

// Config contains the shared HTTP settings of all pollers
type Config struct {
	// Timeout bounds one HTTP attempt
	Timeout time.Duration

	// UserAgent is sent with every request
	UserAgent string

	// MaxRetries is the number of retries after the first attempt
	MaxRetries uint64

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries
	MaxBackoff time.Duration
}

// DefaultConfig returns the default poller HTTP settings
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		UserAgent:      "lookout/1.0",
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// StatusError is returned for a non-2xx response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client performs JSON requests against external sources. Network errors,
// 429 and 5xx responses are retried with exponential backoff; everything
// else fails immediately.
type Client struct {
	http    *http.Client
	config  Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a poller client
func NewClient(config Config) *Client {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	return &Client{
		http:    &http.Client{Timeout: config.Timeout},
		config:  config,
		logger:  log.With().Str("component", "poller").Logger(),
		metrics: metrics.GetMetrics(),
	}
}

// GetJSON sends a GET request with query and decodes the response into out
func (c *Client) GetJSON(ctx context.Context, poller, endpoint string, query url.Values, out any) error {
	target := endpoint
	if len(query) > 0 {
		target = endpoint + "?" + query.Encode()
	}
	return c.do(ctx, poller, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	}, out)
}

// PostJSON sends body as JSON and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, poller, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, poller, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *Client) do(ctx context.Context, poller string, build func() (*http.Request, error), out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.PollerRequestsTotal.WithLabelValues(poller, metrics.Success(err)).Inc()
		c.metrics.PollerRequestDuration.WithLabelValues(poller).Observe(time.Since(start).Seconds())
	}()

	attempt := 0
	operation := func() error {
		attempt++
		req, err := build()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug().Err(err).Str("poller", poller).Int("attempt", attempt).Msg("Request failed")
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				c.logger.Debug().Int("status", resp.StatusCode).Str("poller", poller).Int("attempt", attempt).Msg("Retryable response")
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed response: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialBackoff
	b.MaxInterval = c.config.MaxBackoff
	b.MaxElapsedTime = 0

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.config.MaxRetries), ctx))
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return fmt.Errorf("%s: %w", poller, err)
		}
		return fmt.Errorf("%s request failed after %d attempts: %w", poller, attempt, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
