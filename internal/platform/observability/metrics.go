package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics holds all application metrics. A disabled Metrics is backed by
// the OTel noop meter so every Record method is always safe to call.
type Metrics struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider
	registry *promclient.Registry

	// Backend API metrics
	APICalls         metric.Int64Counter
	APIDuration      metric.Float64Histogram
	RateLimitRetries metric.Int64Counter
	AuthExpired      metric.Int64Counter

	// Response cache metrics
	CacheHits   metric.Int64Counter
	CacheMisses metric.Int64Counter

	// Fetch orchestration metrics
	DedupJoins   metric.Int64Counter
	FetchRetries metric.Int64Counter
	FetchResults metric.Int64Counter

	// Status telemetry metrics
	TelemetryPushes        metric.Int64Counter
	NotificationsPublished metric.Int64Counter

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter
}

// MetricsConfig configures NewMetrics.
type MetricsConfig struct {
	ServiceName string
	Version     string
	Enabled     bool
	// OTLPEndpoint, when set, additionally pushes metrics over OTLP gRPC.
	OTLPEndpoint string
	OTLPInterval time.Duration
}

// NewMetrics creates a new Metrics instance
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "retail-dashboard"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}

	if !cfg.Enabled {
		return NewNopMetrics(), nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(interval)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	m := &Metrics{
		meter:    provider.Meter(cfg.ServiceName),
		provider: provider,
		registry: registry,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

// NewNopMetrics returns Metrics whose instruments discard everything.
func NewNopMetrics() *Metrics {
	m := &Metrics{meter: noop.NewMeterProvider().Meter("noop")}
	// The noop meter never returns errors.
	_ = m.initMetrics()
	return m
}

// initMetrics initializes all metric instruments
func (m *Metrics) initMetrics() error {
	var err error

	m.APICalls, err = m.meter.Int64Counter(
		"dashboard.api.calls",
		metric.WithDescription("Total backend API calls"),
	)
	if err != nil {
		return err
	}

	m.APIDuration, err = m.meter.Float64Histogram(
		"dashboard.api.duration",
		metric.WithDescription("Backend API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.RateLimitRetries, err = m.meter.Int64Counter(
		"dashboard.api.rate_limit_retries",
		metric.WithDescription("Retries issued after HTTP 429 responses"),
	)
	if err != nil {
		return err
	}

	m.AuthExpired, err = m.meter.Int64Counter(
		"dashboard.auth.expired",
		metric.WithDescription("Forced logouts by reason"),
	)
	if err != nil {
		return err
	}

	m.CacheHits, err = m.meter.Int64Counter(
		"dashboard.cache.hits",
		metric.WithDescription("Total response cache hits"),
	)
	if err != nil {
		return err
	}

	m.CacheMisses, err = m.meter.Int64Counter(
		"dashboard.cache.misses",
		metric.WithDescription("Total response cache misses"),
	)
	if err != nil {
		return err
	}

	m.DedupJoins, err = m.meter.Int64Counter(
		"dashboard.fetch.dedup_joins",
		metric.WithDescription("Fetches that attached to an in-flight request"),
	)
	if err != nil {
		return err
	}

	m.FetchRetries, err = m.meter.Int64Counter(
		"dashboard.fetch.retries",
		metric.WithDescription("Fetch retries scheduled by the orchestrator"),
	)
	if err != nil {
		return err
	}

	m.FetchResults, err = m.meter.Int64Counter(
		"dashboard.fetch.results",
		metric.WithDescription("Settled fetches by outcome"),
	)
	if err != nil {
		return err
	}

	m.TelemetryPushes, err = m.meter.Int64Counter(
		"dashboard.status.pushes",
		metric.WithDescription("Page status pushes by outcome"),
	)
	if err != nil {
		return err
	}

	m.NotificationsPublished, err = m.meter.Int64Counter(
		"dashboard.notifications.published",
		metric.WithDescription("Page alerts published to the notification topic"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"dashboard.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	if err != nil {
		return err
	}

	m.Errors, err = m.meter.Int64Counter(
		"dashboard.errors",
		metric.WithDescription("Total errors encountered"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordAPICall records one backend call
func (m *Metrics) RecordAPICall(ctx context.Context, method, endpoint string, status int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status),
	}

	m.APICalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.APIDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordRateLimitRetry records a retry after a 429
func (m *Metrics) RecordRateLimitRetry(ctx context.Context, endpoint string, attempt int) {
	m.RateLimitRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("attempt", attempt),
	))
}

// RecordAuthExpired records a forced logout
func (m *Metrics) RecordAuthExpired(ctx context.Context, reason string) {
	m.AuthExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context, endpoint string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context, endpoint string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordDedupJoin records a caller sharing an in-flight request
func (m *Metrics) RecordDedupJoin(ctx context.Context, endpoint string) {
	m.DedupJoins.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordFetchRetry records an orchestrator retry
func (m *Metrics) RecordFetchRetry(ctx context.Context, endpoint string, attempt int) {
	m.FetchRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Int("attempt", attempt),
	))
}

// RecordFetchResult records a settled fetch (success, error, overloaded)
func (m *Metrics) RecordFetchResult(ctx context.Context, endpoint, outcome string) {
	m.FetchResults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}

// RecordTelemetryPush records a page status push attempt
func (m *Metrics) RecordTelemetryPush(ctx context.Context, page string, success bool) {
	m.TelemetryPushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("page", page),
		attribute.Bool("success", success),
	))
}

// RecordNotificationPublished records a published page alert
func (m *Metrics) RecordNotificationPublished(ctx context.Context, kind, status string) {
	m.NotificationsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics disabled", http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending exports
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	err := m.provider.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("metrics shutdown timed out: %w", err)
	}
	return err
}
