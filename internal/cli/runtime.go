package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/agatticelli/retail-dashboard/internal/apiclient"
	"github.com/agatticelli/retail-dashboard/internal/auth"
	"github.com/agatticelli/retail-dashboard/internal/fetch"
	"github.com/agatticelli/retail-dashboard/internal/notification"
	"github.com/agatticelli/retail-dashboard/internal/platform/aws"
	"github.com/agatticelli/retail-dashboard/internal/platform/cache"
	"github.com/agatticelli/retail-dashboard/internal/platform/config"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
)

// runtime holds the components built from configuration. Components are
// created on first use so that commands like logout never dial Redis.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracing *observability.TracerProvider
	closers []func() error

	store  *auth.Store
	mirror *auth.JarMirror
	cache  cache.Cache
	client *apiclient.Client
	orch   *fetch.Orchestrator
}

func (g *globalOptions) runtime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Observability.Logging.Level = g.logLevel
	}

	logger := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	metrics, err := observability.NewMetrics(observability.MetricsConfig{
		ServiceName:  cfg.Observability.ServiceName,
		Version:      g.version,
		Enabled:      cfg.Observability.Metrics.Enabled,
		OTLPEndpoint: cfg.Observability.Metrics.OTLPEndpoint,
		OTLPInterval: cfg.Observability.Metrics.OTLPInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracing, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: cfg.Observability.ServiceName,
		Version:     g.version,
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		Enabled:     cfg.Observability.Tracing.Enabled,
		Sampler:     cfg.Observability.Tracing.Sampler,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
	})
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, metrics: metrics, tracing: tracing}, nil
}

// close releases everything the runtime opened, newest first.
func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.LogWarn(ctx, "failed to close component", "error", err)
		}
	}
	if err := rt.tracing.Shutdown(ctx); err != nil {
		rt.logger.LogWarn(ctx, "failed to shut down tracer", "error", err)
	}
	if err := rt.metrics.Shutdown(ctx); err != nil {
		rt.logger.LogWarn(ctx, "failed to shut down metrics", "error", err)
	}
}

func (rt *runtime) credentialsPath() (string, error) {
	if rt.cfg.Auth.StoragePath != "" {
		return rt.cfg.Auth.StoragePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no credentials path configured: %w", err)
	}
	return filepath.Join(dir, "retail-dashboard", "credentials.yaml"), nil
}

// tokens returns the token store backed by the credentials file, with the
// access token mirrored into a cookie jar for the API origin.
func (rt *runtime) tokens() (*auth.Store, error) {
	if rt.store != nil {
		return rt.store, nil
	}

	path, err := rt.credentialsPath()
	if err != nil {
		return nil, err
	}
	storage, err := auth.NewFileStorage(path)
	if err != nil {
		return nil, err
	}
	mirror, err := auth.NewJarMirror(rt.cfg.Auth.CookieURL)
	if err != nil {
		return nil, err
	}

	store := auth.NewStore(auth.Config{
		Storage:     storage,
		Cookies:     mirror,
		RefreshSkew: rt.cfg.Auth.RefreshSkew,
		Logger:      rt.logger,
	})
	if token, ok := store.ValidAccessToken(); ok {
		mirror.SetToken(token)
	}
	store.Subscribe(func(e auth.Event) {
		rt.logger.Warn("session expired, sign in again", "reason", e.Reason)
	})

	rt.store, rt.mirror = store, mirror
	return store, nil
}

// responseCache builds the configured cache backend.
func (rt *runtime) responseCache() (cache.Cache, error) {
	if rt.cache != nil {
		return rt.cache, nil
	}

	cfg := rt.cfg.Cache
	newRedis := func() (*cache.RedisCache, error) {
		return cache.NewRedisCache(cache.RedisCacheConfig{
			Address:  rt.cfg.Redis.Address,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
			Prefix:   cfg.RedisPrefix,
		})
	}
	newMemory := func() *cache.MemoryCache {
		return cache.NewMemoryCacheWithConfig(cache.MemoryCacheConfig{
			MaxSize:         cfg.L1MaxSize,
			CleanupInterval: cfg.CleanupInterval,
		})
	}

	var c cache.Cache
	switch cfg.Backend {
	case config.CacheRedis:
		r, err := newRedis()
		if err != nil {
			return nil, err
		}
		c = r
	case config.CacheLayered:
		r, err := newRedis()
		if err != nil {
			return nil, err
		}
		c = cache.NewLayeredCacheWithConfig(cache.LayeredCacheConfig{
			L1:       newMemory(),
			L2:       r,
			L1MaxTTL: cfg.L1MaxTTL,
			Logger:   rt.logger,
		})
	default:
		c = newMemory()
	}

	rt.closers = append(rt.closers, c.Close)
	rt.cache = c
	return c, nil
}

// apiClient builds the HTTP client. The cookie jar carries the mirrored
// token to the proxy.
func (rt *runtime) apiClient() (*apiclient.Client, error) {
	if rt.client != nil {
		return rt.client, nil
	}
	store, err := rt.tokens()
	if err != nil {
		return nil, err
	}

	api := rt.cfg.API
	client, err := apiclient.New(apiclient.Config{
		BaseURL:             api.BaseURL,
		DirectURL:           api.DirectURL,
		HTTPClient:          &http.Client{Jar: rt.mirror.Jar()},
		Tokens:              store,
		Logger:              rt.logger,
		Metrics:             rt.metrics,
		Tracer:              rt.tracing.Tracer("apiclient"),
		MaxRateLimitRetries: api.MaxRateLimitRetries,
		RateLimitBaseDelay:  api.RateLimitBaseDelay,
		RateLimitRPM:        api.RateLimit.RequestsPerMinute,
		RateLimitBurst:      api.RateLimit.Burst,
		MaxConcurrent:       int64(api.MaxConcurrent),
		DirectTimeout:       api.DirectTimeout,
		ProxyTimeout:        api.ProxyTimeout,
	})
	if err != nil {
		return nil, err
	}
	rt.client = client
	return client, nil
}

// orchestrator builds the fetch orchestrator over the configured cache.
func (rt *runtime) orchestrator() (*fetch.Orchestrator, error) {
	if rt.orch != nil {
		return rt.orch, nil
	}
	c, err := rt.responseCache()
	if err != nil {
		return nil, err
	}
	client, err := rt.apiClient()
	if err != nil {
		return nil, err
	}

	fc := rt.cfg.Fetch
	opts := fetch.DefaultOptions()
	opts.Cache = c
	opts.Fetcher = client
	opts.Logger = rt.logger
	opts.Metrics = rt.metrics
	opts.Tracer = rt.tracing.Tracer("fetch")
	opts.TTL = rt.cfg.Cache.TTL
	opts.Debounce = fc.Debounce
	opts.MinInterval = fc.MinInterval
	opts.RetryDelays = fc.RetryDelays
	opts.MaxRetries = fc.MaxRetries
	opts.StaleWhileRevalidate = fc.StaleWhileRevalidate

	o, err := fetch.New(opts)
	if err != nil {
		return nil, err
	}
	rt.orch = o
	return o, nil
}

// alerts returns the SNS publisher when a topic is configured, otherwise
// a publisher that only logs.
func (rt *runtime) alerts(ctx context.Context) (notification.Publisher, error) {
	awsCfg := aws.Config{
		Region:   rt.cfg.AWS.Region,
		Profile:  rt.cfg.AWS.Profile,
		Endpoint: rt.cfg.AWS.Endpoint,
		TopicARN: rt.cfg.AWS.SNSTopicARN,
	}
	if !awsCfg.Enabled() {
		return notification.NewNoOpPublisher(rt.logger, rt.metrics), nil
	}

	sdkCfg, err := aws.LoadAWSConfig(ctx, awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	sns := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: sdkCfg,
		Endpoint:  awsCfg.Endpoint,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
	})
	return notification.NewSNSPublisher(notification.SNSPublisherConfig{
		SNSClient: sns,
		TopicARN:  awsCfg.TopicARN,
		Logger:    rt.logger,
		Metrics:   rt.metrics,
		Tracer:    rt.tracing.Tracer("notification"),
	})
}

var errNotSignedIn = errors.New("not signed in, run 'dashboard login' first")
