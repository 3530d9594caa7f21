// Package fetch is the fetch orchestrator: cache lookup, request
// de-duplication, debounce, per-subscription spacing, retries,
// stale-while-revalidate and cancellation for report queries.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/platform/resilience"
)

// ErrOverloaded is surfaced when the backend keeps answering 429 after the
// HTTP client's own retries. It is never retried here.
var ErrOverloaded = errors.New("API is overloaded, please try again later")

// Fetcher performs the network call for a request. *apiclient.Client
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req apiclient.Request) (json.RawMessage, error)
}

// Options configures an Orchestrator. Start from DefaultOptions.
type Options struct {
	Cache   cache.Cache
	Fetcher Fetcher
	Clock   clock.Clock
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer

	TTL         time.Duration
	Debounce    time.Duration
	MinInterval time.Duration
	RetryDelays []time.Duration
	MaxRetries  int

	StaleWhileRevalidate bool
}

// DefaultOptions returns the dashboard defaults.
func DefaultOptions() Options {
	return Options{
		TTL:                  cache.DefaultTTL,
		Debounce:             300 * time.Millisecond,
		MinInterval:          time.Second,
		RetryDelays:          []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		MaxRetries:           3,
		StaleWhileRevalidate: true,
	}
}

// Orchestrator owns the shared response cache and pending-request map.
type Orchestrator struct {
	opts    Options
	cache   cache.Cache
	fetcher Fetcher
	clock   clock.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
	flights *flightGroup
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Cache == nil {
		return nil, errors.New("fetch: cache is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetch: fetcher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewNoopTracer()
	}
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Orchestrator{
		opts:    opts,
		cache:   opts.Cache,
		fetcher: opts.Fetcher,
		clock:   opts.Clock,
		logger:  opts.Logger.WithComponent("fetch"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		flights: newFlightGroup(),
	}, nil
}

// Key returns the cache key for req. The resolved method and the date
// range are positional, so an extra parameter named "method" or "fromDate"
// cannot pass for them.
func Key(req apiclient.Request) string {
	head := []string{req.Endpoint, req.ResolvedMethod(), req.FromDate, req.ToDate}
	return cache.KeyWith(head, req.Extra)
}

// Get returns the cached response for req or fetches it, joining any call
// already in flight and retrying on the configured schedule. It is the
// one-shot form of Subscribe.
func (o *Orchestrator) Get(ctx context.Context, req apiclient.Request) (json.RawMessage, error) {
	key := Key(req)
	if data, ok := o.cached(ctx, req.Endpoint, key); ok {
		return data, nil
	}

	cfg := resilience.RetryConfig{
		MaxAttempts: o.opts.MaxRetries + 1,
		Delays:      o.opts.RetryDelays,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.metrics.RecordFetchRetry(ctx, req.Endpoint, attempt)
			o.logger.LogDebug(ctx, "fetch failed, retrying",
				"endpoint", req.Endpoint, "attempt", attempt, "delay", delay, "error", err)
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			return clock.Sleep(ctx, o.clock, d)
		},
	}

	data, err := resilience.RetryIfWithResult(ctx, cfg, retryable, func(ctx context.Context) (json.RawMessage, error) {
		data, err := o.shared(ctx, key, req)
		return data, classify(err)
	})
	o.metrics.RecordFetchResult(ctx, req.Endpoint, outcome(err))
	return data, err
}

// Invalidate drops cached responses whose key contains pattern.
func (o *Orchestrator) Invalidate(ctx context.Context, pattern string) error {
	return o.cache.Clear(ctx, pattern)
}

// InFlight returns the number of distinct requests on the wire.
func (o *Orchestrator) InFlight() int {
	return o.flights.len()
}

// shared joins or starts the network call for key.
func (o *Orchestrator) shared(ctx context.Context, key string, req apiclient.Request) (json.RawMessage, error) {
	data, joined, err := o.flights.do(ctx, key, func(fctx context.Context) (json.RawMessage, error) {
		return o.fetchAndStore(fctx, key, req)
	})
	if joined {
		o.metrics.RecordDedupJoin(ctx, req.Endpoint)
	}
	return data, err
}

// fetchAndStore performs the call and caches a successful response unless
// the call was cancelled.
func (o *Orchestrator) fetchAndStore(ctx context.Context, key string, req apiclient.Request) (json.RawMessage, error) {
	ctx, span := o.tracer.StartSpan(ctx, "fetch.network",
		observability.WithAttributes(attribute.String("api.endpoint", req.Endpoint)))
	defer span.End()

	data, err := o.fetcher.Fetch(ctx, req)
	if err != nil {
		span.NoticeError(err)
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err := o.cache.Set(ctx, key, data, o.opts.TTL); err != nil {
		o.logger.LogWarn(ctx, "failed to cache response", "endpoint", req.Endpoint, "error", err)
	}
	span.MarkOK()
	return data, nil
}

// cached returns a valid cache entry for key.
func (o *Orchestrator) cached(ctx context.Context, endpoint, key string) (json.RawMessage, bool) {
	v, err := o.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			o.logger.LogWarn(ctx, "cache read failed", "endpoint", endpoint, "error", err)
		}
		o.metrics.RecordCacheMiss(ctx, endpoint)
		return nil, false
	}

	data, err := toRaw(v)
	if err != nil {
		o.logger.LogWarn(ctx, "cached value is not JSON", "endpoint", endpoint, "error", err)
		o.metrics.RecordCacheMiss(ctx, endpoint)
		return nil, false
	}
	o.metrics.RecordCacheHit(ctx, endpoint)
	return data, true
}

func toRaw(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return val, nil
	case []byte:
		return json.RawMessage(val), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", cache.ErrInvalidValue, err)
		}
		return data, nil
	}
}

// classify maps an exhausted 429 onto ErrOverloaded.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrOverloaded) {
		return err
	}
	if errors.Is(err, apiclient.ErrRateLimited) {
		return fmt.Errorf("%w: %w", ErrOverloaded, err)
	}
	return err
}

// retryable reports whether the orchestrator should retry err. Overload,
// auth and cancellation are final; everything else gets the retry schedule.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOverloaded),
		apiclient.IsAuthError(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case apiclient.IsAuthError(err):
		return "auth"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
