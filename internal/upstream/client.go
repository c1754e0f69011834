package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/storagewatch/storagewatch/internal/metrics"
)

// Config describes one external JSON API
type Config struct {
	Service    string
	BaseURL    string
	Headers    map[string]string
	RPS        float64
	MaxRetries int
	RetryBase  time.Duration // first retry delay, doubled per attempt
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a rate-limited JSON client with bounded retries
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	retry   retryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	rng     func() float64
}

// New creates a client for cfg
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", cfg.Service, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid %s base url %q", cfg.Service, cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}

	retry := defaultRetry
	if cfg.RetryBase > 0 {
		retry.Base = cfg.RetryBase
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		sleep:   sleepContext,
		rng:     rand.Float64,
	}, nil
}

// GetJSON issues a GET and decodes the JSON response into out
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

// PostJSON issues a POST with a JSON body and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, path, nil, payload, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) error {
	var lastErr *Error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return newError(ErrorTypeCanceled, c.cfg.Service, op, err)
		}

		retryAfter, err := c.attempt(ctx, op, method, path, query, body, out)
		if err == nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(c.cfg.Service, "ok").Inc()
			return nil
		}
		lastErr = err
		metrics.UpstreamRequestsTotal.WithLabelValues(c.cfg.Service, string(err.Type)).Inc()

		if !IsRetryable(err) || attempt >= c.cfg.MaxRetries || ctx.Err() != nil {
			return lastErr
		}

		delay := c.retry.delay(attempt, err, retryAfter, c.rng())
		log.Debug().
			Err(err).
			Str("service", c.cfg.Service).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying upstream request")

		if err := c.sleep(ctx, delay); err != nil {
			return newError(ErrorTypeCanceled, c.cfg.Service, op, err)
		}
	}
}

func (c *Client) attempt(ctx context.Context, op, method, path string, query url.Values, body []byte, out any) (time.Duration, *Error) {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, newError(ErrorTypeAPI, c.cfg.Service, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, newError(ErrorTypeCanceled, c.cfg.Service, op, ctx.Err())
		}
		return 0, newError(ErrorTypeConnection, c.cfg.Service, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := newError(ErrorTypeAPI, c.cfg.Service, op,
			fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet)))).withStatusCode(resp.StatusCode)
		return parseRetryAfter(resp.Header.Get("Retry-After")), apiErr
	}

	if out == nil {
		return 0, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, newError(ErrorTypeDecode, c.cfg.Service, op, err)
	}
	return 0, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
