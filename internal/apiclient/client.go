// Package apiclient talks to the reporting backend: bearer auth from the
// token store, 429 backoff, 401 escalation and a direct-to-backend path
// with proxy fallback.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

// TokenSource supplies bearer tokens and is told when the session ends.
// *auth.Store implements it.
type TokenSource interface {
	ValidAccessToken() (string, bool)
	Expire(reason string)
}

// DefaultMaxRateLimitRetries is the 429 retry budget of the dashboard API.
const DefaultMaxRateLimitRetries = 3

// Config holds Client configuration
type Config struct {
	BaseURL    string
	DirectURL  string
	HTTPClient *http.Client
	Tokens     TokenSource
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     observability.Tracer
	Clock      clock.Clock

	// MaxRateLimitRetries is how many times a 429 is retried. Zero
	// disables retries; a negative value uses DefaultMaxRateLimitRetries.
	MaxRateLimitRetries int
	RateLimitBaseDelay  time.Duration

	// RateLimitRPM throttles outbound calls; 0 disables the limiter.
	RateLimitRPM   int
	RateLimitBurst int
	MaxConcurrent  int64

	DirectTimeout time.Duration
	ProxyTimeout  time.Duration

	// Sleep waits between 429 retries. Defaults to a clock-driven sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is the dashboard's HTTP client.
type Client struct {
	baseURL   string
	directURL string
	http      *http.Client
	tokens    TokenSource
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    observability.Tracer
	clock     clock.Clock
	limiter   *resilience.RateLimiter
	sem       *semaphore.Weighted
	retryCfg  resilience.RetryConfig
	directTO  time.Duration
	proxyTO   time.Duration

	healthMu sync.RWMutex
	health   Health
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.HTTPClient == nil {
		// No client timeout: callers bound requests through ctx.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxRateLimitRetries < 0 {
		cfg.MaxRateLimitRetries = DefaultMaxRateLimitRetries
	}
	if cfg.RateLimitBaseDelay <= 0 {
		cfg.RateLimitBaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.DirectTimeout <= 0 {
		cfg.DirectTimeout = 60 * time.Second
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 20 * time.Second
	}
	if cfg.Sleep == nil {
		c := cfg.Clock
		cfg.Sleep = func(ctx context.Context, d time.Duration) error {
			return clock.Sleep(ctx, c, d)
		}
	}

	var limiter *resilience.RateLimiter
	if cfg.RateLimitRPM > 0 {
		limiter = resilience.NewRateLimiterWithClock(cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.Clock)
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		directURL: strings.TrimRight(cfg.DirectURL, "/"),
		http:      cfg.HTTPClient,
		tokens:    cfg.Tokens,
		logger:    cfg.Logger.WithComponent("apiclient"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		clock:     cfg.Clock,
		limiter:   limiter,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		directTO:  cfg.DirectTimeout,
		proxyTO:   cfg.ProxyTimeout,
		health:    Health{Name: "backend"},
	}
	c.retryCfg = resilience.RetryConfig{
		MaxAttempts:   cfg.MaxRateLimitRetries + 1,
		BaseDelay:     cfg.RateLimitBaseDelay,
		DelayOverride: retryAfterOverride,
		Sleep:         cfg.Sleep,
	}
	return c, nil
}

// Get performs a GET. An empty token is resolved through the token source.
func (c *Client) Get(ctx context.Context, endpoint, token string) (json.RawMessage, error) {
	return c.call(ctx, c.baseURL, http.MethodGet, endpoint, nil, token)
}

// Post performs a POST with body encoded as JSON.
func (c *Client) Post(ctx context.Context, endpoint string, body any, token string) (json.RawMessage, error) {
	return c.call(ctx, c.baseURL, http.MethodPost, endpoint, body, token)
}

// Patch performs a PATCH with body encoded as JSON.
func (c *Client) Patch(ctx context.Context, endpoint string, body any, token string) (json.RawMessage, error) {
	return c.call(ctx, c.baseURL, http.MethodPatch, endpoint, body, token)
}

func (c *Client) call(ctx context.Context, base, method, endpoint string, body any, token string) (json.RawMessage, error) {
	token, err := c.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}
	return c.do(ctx, base, method, endpoint, payload, token)
}

// resolveToken returns token, or the store's current token. With none
// available the session is expired and ErrAuthRequired returned.
func (c *Client) resolveToken(ctx context.Context, token string) (string, error) {
	if token != "" {
		return token, nil
	}
	token, ok := c.tokens.ValidAccessToken()
	if ok {
		return token, nil
	}
	c.metrics.RecordAuthExpired(ctx, "no_token")
	c.tokens.Expire("no valid token")
	return "", ErrAuthRequired
}

// do runs one logical request, retrying 429 responses.
func (c *Client) do(ctx context.Context, base, method, endpoint string, payload []byte, token string) (json.RawMessage, error) {
	ctx, span := c.tracer.StartSpan(ctx, "apiclient."+method,
		observability.WithSpanKind(trace.SpanKindClient),
		observability.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("api.endpoint", endpoint),
		),
	)
	defer span.End()

	cfg := c.retryCfg
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.metrics.RecordRateLimitRetry(ctx, routeOf(endpoint), attempt)
		c.logger.LogDebug(ctx, "rate limited, backing off",
			"endpoint", endpoint, "attempt", attempt, "delay", delay)
		span.AddEvent("rate_limited", attribute.Int("attempt", attempt))
	}

	data, err := resilience.RetryIfWithResult(ctx, cfg, isRateLimited, func(ctx context.Context) (json.RawMessage, error) {
		return c.attempt(ctx, base, method, endpoint, payload, token)
	})
	if errors.Is(err, resilience.ErrRetriesExhausted) {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			err = reqErr
		}
	}
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}
	span.MarkOK()
	return data, nil
}

func (c *Client) attempt(ctx context.Context, base, method, endpoint string, payload []byte, token string) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, joinURL(base, endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := c.clock.Now()
	resp, err := c.http.Do(req)
	duration := c.clock.Now().Sub(start)
	if err != nil {
		c.metrics.RecordAPICall(ctx, method, routeOf(endpoint), 0, duration)
		c.recordHealth(err, duration)
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordAPICall(ctx, method, routeOf(endpoint), resp.StatusCode, duration)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordHealth(err, duration)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.metrics.RecordAuthExpired(ctx, "unauthorized")
		c.logger.LogWarn(ctx, "backend rejected token; refresh disabled, logging out", "endpoint", endpoint)
		c.tokens.Expire(fmt.Sprintf("401 from %s", endpoint))
		return nil, &RequestError{Method: method, Endpoint: endpoint, Status: resp.StatusCode, Details: errorDetails(raw)}

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		reqErr := &RequestError{Method: method, Endpoint: endpoint, Status: resp.StatusCode, Details: errorDetails(raw)}
		if resp.StatusCode == http.StatusTooManyRequests {
			reqErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
		}
		c.recordHealth(reqErr, duration)
		return nil, reqErr
	}

	c.recordHealth(nil, duration)

	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w from %s %s", ErrInvalidResponse, method, endpoint)
	}
	return json.RawMessage(raw), nil
}

func isRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

func retryAfterOverride(err error) (time.Duration, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.RetryAfter > 0 {
		return reqErr.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// errorDetails extracts a message from an error body: JSON "error" or
// "message" fields, else the raw text.
func errorDetails(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}
	var body struct {
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, v := range []any{body.Error, body.Message} {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return text
}

// routeOf strips the query string so metric labels stay bounded.
func routeOf(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func joinURL(base, endpoint string) string {
	return base + "/" + strings.TrimPrefix(endpoint, "/")
}
