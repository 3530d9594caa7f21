package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "api:\n  base_url: http://localhost:3000/api/proxy\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Fetch.Debounce != 300*time.Millisecond {
		t.Errorf("debounce: expected 300ms, got %v", cfg.Fetch.Debounce)
	}
	if cfg.Fetch.MinInterval != time.Second {
		t.Errorf("min interval: expected 1s, got %v", cfg.Fetch.MinInterval)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	if len(cfg.Fetch.RetryDelays) != len(want) {
		t.Fatalf("retry delays: expected %v, got %v", want, cfg.Fetch.RetryDelays)
	}
	for i := range want {
		if cfg.Fetch.RetryDelays[i] != want[i] {
			t.Errorf("retry delay %d: expected %v, got %v", i, want[i], cfg.Fetch.RetryDelays[i])
		}
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache ttl: expected 5m, got %v", cfg.Cache.TTL)
	}
	if cfg.Status.MinInterval != 1200*time.Millisecond {
		t.Errorf("status min interval: expected 1.2s, got %v", cfg.Status.MinInterval)
	}
	if cfg.API.RateLimitBaseDelay != 500*time.Millisecond {
		t.Errorf("rate limit base delay: expected 500ms, got %v", cfg.API.RateLimitBaseDelay)
	}
	if cfg.Auth.RefreshSkew != 5*time.Minute {
		t.Errorf("refresh skew: expected 5m, got %v", cfg.Auth.RefreshSkew)
	}
	if !cfg.Fetch.StaleWhileRevalidate {
		t.Error("stale-while-revalidate should default to true")
	}

	t.Log("✓ Defaults match the dashboard timings")
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://dashboard.example.com/api/proxy
cache:
  backend: layered
status:
  probes:
    - name: Revenue API
      url: /api/proxy/orders/revenue
      expected_status: 200
warmup:
  enabled: true
  queries:
    - endpoint: orders/revenue
      from_date: "2024-01-01"
      to_date: "2024-01-31"
      params:
        - storeId=3
`)
	t.Setenv("DASHBOARD_OBSERVABILITY_LOGGING_LEVEL", "debug")
	t.Setenv("DASHBOARD_FETCH_MAX_RETRIES", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.BaseURL != "https://dashboard.example.com/api/proxy" {
		t.Errorf("base url not read from file: %s", cfg.API.BaseURL)
	}
	if cfg.Cache.Backend != CacheLayered {
		t.Errorf("cache backend: expected layered, got %s", cfg.Cache.Backend)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("log level env override ignored: %s", cfg.Observability.Logging.Level)
	}
	if cfg.Fetch.MaxRetries != 1 {
		t.Errorf("max retries env override ignored: %d", cfg.Fetch.MaxRetries)
	}
	if len(cfg.Status.Probes) != 1 || cfg.Status.Probes[0].ExpectedStatus != 200 {
		t.Errorf("probes not decoded: %+v", cfg.Status.Probes)
	}
	if len(cfg.Warmup.Queries) != 1 {
		t.Fatalf("warmup queries not decoded: %+v", cfg.Warmup.Queries)
	}
	extra, err := cfg.Warmup.Queries[0].Extra()
	if err != nil || extra["storeId"] != "3" {
		t.Errorf("warmup params: expected storeId=3, got %v (%v)", extra, err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			API:   APIConfig{BaseURL: "http://localhost:3000/api/proxy"},
			Cache: CacheConfig{Backend: CacheMemory, TTL: time.Minute},
			Fetch: FetchConfig{MaxRetries: 3, RetryDelays: []time.Duration{time.Second}},
			Status: StatusConfig{
				MinInterval: time.Second,
			},
			Observability: ObservabilityConfig{Logging: LoggingConfig{Level: "info", Format: "json"}},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no base url", func(c *Config) { c.API.BaseURL = "" }, "base URL"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "disk" }, "invalid cache backend"},
		{"redis without address", func(c *Config) { c.Cache.Backend = CacheRedis }, "redis address"},
		{"retries without delays", func(c *Config) { c.Fetch.RetryDelays = nil }, "retry delays"},
		{"probe without url", func(c *Config) { c.Status.Probes = []ProbeConfig{{Name: "x"}} }, "probe 0"},
		{"warmup without endpoint", func(c *Config) { c.Warmup.Queries = []WarmupQuery{{}} }, "warmup query 0"},
		{"bad warmup param", func(c *Config) { c.Warmup.Queries = []WarmupQuery{{Endpoint: "x", Params: []string{"nokey"}}} }, "invalid param"},
		{"bad log level", func(c *Config) { c.Observability.Logging.Level = "trace" }, "invalid log level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
