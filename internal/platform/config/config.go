package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DASHBOARD_API_BASE_URL.
const EnvPrefix = "DASHBOARD"

// Config holds all configuration for the dashboard data layer
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Fetch         FetchConfig         `mapstructure:"fetch"`
	Status        StatusConfig        `mapstructure:"status"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
}

// APIConfig holds backend connection settings
type APIConfig struct {
	BaseURL             string          `mapstructure:"base_url"`
	DirectURL           string          `mapstructure:"direct_url"`
	MaxConcurrent       int             `mapstructure:"max_concurrent"`
	MaxRateLimitRetries int             `mapstructure:"max_rate_limit_retries"`
	RateLimitBaseDelay  time.Duration   `mapstructure:"rate_limit_base_delay"`
	DirectTimeout       time.Duration   `mapstructure:"direct_timeout"`
	ProxyTimeout        time.Duration   `mapstructure:"proxy_timeout"`
	RateLimit           RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds client-side rate limiting. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// AuthConfig holds credential storage settings. CookieURL is the origin
// the token cookie is mirrored for.
type AuthConfig struct {
	StoragePath string        `mapstructure:"storage_path"`
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
	CookieURL   string        `mapstructure:"cookie_url"`
}

// Cache backends.
const (
	CacheMemory  = "memory"
	CacheRedis   = "redis"
	CacheLayered = "layered"
)

// CacheConfig holds response cache settings
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	L1MaxSize       int           `mapstructure:"l1_max_size"`
	L1MaxTTL        time.Duration `mapstructure:"l1_max_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	RedisPrefix     string        `mapstructure:"redis_prefix"`
}

// FetchConfig holds orchestrator timing
type FetchConfig struct {
	Debounce             time.Duration   `mapstructure:"debounce"`
	MinInterval          time.Duration   `mapstructure:"min_interval"`
	RetryDelays          []time.Duration `mapstructure:"retry_delays"`
	MaxRetries           int             `mapstructure:"max_retries"`
	StaleWhileRevalidate bool            `mapstructure:"stale_while_revalidate"`
}

// StatusConfig holds page status reporting and board settings
type StatusConfig struct {
	BoardURL      string        `mapstructure:"board_url"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	PushTimeout   time.Duration `mapstructure:"push_timeout"`
	InactiveAfter time.Duration `mapstructure:"inactive_after"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeBaseURL  string        `mapstructure:"probe_base_url"`
	Probes        []ProbeConfig `mapstructure:"probes"`
}

// ProbeConfig is an endpoint the board checks on every feed build
type ProbeConfig struct {
	Name           string `mapstructure:"name"`
	URL            string `mapstructure:"url"`
	ExpectedStatus int    `mapstructure:"expected_status"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AWSConfig holds AWS service configuration. An empty topic disables SNS
// page alerts.
type AWSConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	Profile     string `mapstructure:"profile"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Environment string        `mapstructure:"environment"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	OTLPInterval time.Duration `mapstructure:"otlp_interval"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Sampler     string  `mapstructure:"sampler"` // always, never, ratio
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WarmupConfig lists the queries prefetched by the warm command
type WarmupConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Parallel bool          `mapstructure:"parallel"`
	Workers  int           `mapstructure:"workers"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Queries  []WarmupQuery `mapstructure:"queries"`
}

// WarmupQuery is one report query to prefetch. Params are "key=value"
// pairs; a list keeps the key case that viper would fold in a map.
type WarmupQuery struct {
	Endpoint string   `mapstructure:"endpoint"`
	FromDate string   `mapstructure:"from_date"`
	ToDate   string   `mapstructure:"to_date"`
	Method   string   `mapstructure:"method"`
	Params   []string `mapstructure:"params"`
}

// Extra returns Params as a map.
func (q WarmupQuery) Extra() (map[string]string, error) {
	return ParseParams(q.Params)
}

// ParseParams parses "key=value" pairs.
func ParseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "http://localhost:3000/api/proxy")
	v.SetDefault("api.direct_url", "")
	v.SetDefault("api.max_concurrent", 8)
	v.SetDefault("api.max_rate_limit_retries", 3)
	v.SetDefault("api.rate_limit_base_delay", "500ms")
	v.SetDefault("api.direct_timeout", "60s")
	v.SetDefault("api.proxy_timeout", "20s")
	v.SetDefault("api.rate_limit.requests_per_minute", 0)
	v.SetDefault("api.rate_limit.burst", 0)

	// Auth defaults
	v.SetDefault("auth.storage_path", "")
	v.SetDefault("auth.refresh_skew", "5m")
	v.SetDefault("auth.cookie_url", "http://localhost:3000")

	// Cache defaults
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.l1_max_ttl", "1m")
	v.SetDefault("cache.cleanup_interval", "1m")
	v.SetDefault("cache.redis_prefix", "dashboard:")

	// Fetch defaults
	v.SetDefault("fetch.debounce", "300ms")
	v.SetDefault("fetch.min_interval", "1s")
	v.SetDefault("fetch.retry_delays", []string{"1s", "2s", "5s"})
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.stale_while_revalidate", true)

	// Status defaults
	v.SetDefault("status.board_url", "http://localhost:8080")
	v.SetDefault("status.min_interval", "1200ms")
	v.SetDefault("status.retry_delay", "1s")
	v.SetDefault("status.push_timeout", "10s")
	v.SetDefault("status.inactive_after", "30m")
	v.SetDefault("status.probe_timeout", "5s")
	v.SetDefault("status.probe_base_url", "")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AWS defaults
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.sns_topic_arn", "")

	// Observability defaults
	v.SetDefault("observability.service_name", "retail-dashboard")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.otlp_endpoint", "")
	v.SetDefault("observability.metrics.otlp_interval", "15s")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sampler", "always")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", "10s")

	// Warmup defaults
	v.SetDefault("warmup.enabled", false)
	v.SetDefault("warmup.parallel", true)
	v.SetDefault("warmup.workers", 4)
	v.SetDefault("warmup.timeout", "30s")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API base URL is required")
	}
	if c.API.MaxRateLimitRetries < 0 {
		return fmt.Errorf("max rate limit retries must be >= 0")
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis, CacheLayered:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required for cache backend %q", c.Cache.Backend)
		}
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be > 0")
	}

	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch max retries must be >= 0")
	}
	if c.Fetch.MaxRetries > 0 && len(c.Fetch.RetryDelays) == 0 {
		return fmt.Errorf("fetch retry delays are required when retries are enabled")
	}

	if c.Status.MinInterval <= 0 {
		return fmt.Errorf("status min interval must be > 0")
	}
	for i, p := range c.Status.Probes {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("status probe %d needs a name and url", i)
		}
	}

	for i, q := range c.Warmup.Queries {
		if q.Endpoint == "" {
			return fmt.Errorf("warmup query %d has no endpoint", i)
		}
		if _, err := q.Extra(); err != nil {
			return fmt.Errorf("warmup query %d: %w", i, err)
		}
	}

	if c.AWS.SNSTopicARN != "" && c.AWS.Region == "" {
		return fmt.Errorf("AWS region is required when SNS is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
