package cache

import (
	"context"
	"errors"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
)

// DefaultL1MaxTTL caps how long the local tier keeps a response that the
// shared tier holds for longer.
const DefaultL1MaxTTL = time.Minute

// LayeredCache implements a two-tier cache: L1 process memory in front of
// an optional shared L2 (Redis). Writes go through to both tiers.
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
	logger   *observability.Logger
}

// LayeredCacheConfig configures a LayeredCache.
type LayeredCacheConfig struct {
	L1       Cache
	L2       Cache
	L1MaxTTL time.Duration
	Logger   *observability.Logger
}

// NewLayeredCache creates a new layered cache with default settings
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithConfig(LayeredCacheConfig{L1: l1, L2: l2})
}

// NewLayeredCacheWithConfig creates a new layered cache
func NewLayeredCacheWithConfig(cfg LayeredCacheConfig) *LayeredCache {
	if cfg.L1MaxTTL <= 0 {
		cfg.L1MaxTTL = DefaultL1MaxTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	return &LayeredCache{
		l1:       cfg.L1,
		l2:       cfg.L2,
		l1MaxTTL: cfg.L1MaxTTL,
		logger:   cfg.Logger,
	}
}

// Get retrieves a value from cache (L1 → L2 → miss)
func (lc *LayeredCache) Get(ctx context.Context, key string) (interface{}, error) {
	if lc.l1 != nil {
		if val, err := lc.l1.Get(ctx, key); err == nil {
			return val, nil
		}
	}

	if lc.l2 == nil {
		return nil, ErrNotFound
	}

	val, err := lc.l2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			lc.logger.LogWarn(ctx, "L2 cache read failed", "key", key, "error", err)
			return nil, err
		}
		return nil, ErrNotFound
	}

	// Backfill L1 on L2 hit
	if lc.l1 != nil {
		_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
	}
	return val, nil
}

// Set stores a value in both cache layers
func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1TTL := ttl
		if ttl <= 0 || ttl > lc.l1MaxTTL {
			l1TTL = lc.l1MaxTTL
		}
		l1Err = lc.l1.Set(ctx, key, value, l1TTL)
	}

	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
		if l2Err != nil {
			lc.logger.LogWarn(ctx, "L2 cache write failed", "key", key, "error", l2Err)
		}
	}

	switch {
	case lc.l1 == nil:
		return l2Err
	case lc.l2 == nil:
		return l1Err
	case l1Err != nil && l2Err != nil:
		return l2Err
	}
	return nil
}

// Delete removes a key from both cache layers
func (lc *LayeredCache) Delete(ctx context.Context, key string) error {
	return lc.each(func(c Cache) error { return c.Delete(ctx, key) })
}

// Clear removes matching keys from both cache layers
func (lc *LayeredCache) Clear(ctx context.Context, pattern string) error {
	return lc.each(func(c Cache) error { return c.Clear(ctx, pattern) })
}

// Close closes both cache layers
func (lc *LayeredCache) Close() error {
	return lc.each(func(c Cache) error { return c.Close() })
}

// Stats reports the L1 snapshot when the local tier supports it.
func (lc *LayeredCache) Stats() Stats {
	if sp, ok := lc.l1.(StatsProvider); ok {
		return sp.Stats()
	}
	return Stats{}
}

// Ping checks the shared tier when it supports it.
func (lc *LayeredCache) Ping(ctx context.Context) error {
	if p, ok := lc.l2.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// InvalidateL1 invalidates only L1 cache for a key, forcing the next
// read to consult L2
func (lc *LayeredCache) InvalidateL1(ctx context.Context, key string) error {
	if lc.l1 != nil {
		return lc.l1.Delete(ctx, key)
	}
	return nil
}

// each applies fn to both tiers and returns the first error
func (lc *LayeredCache) each(fn func(Cache) error) error {
	var l1Err, l2Err error
	if lc.l1 != nil {
		l1Err = fn(lc.l1)
	}
	if lc.l2 != nil {
		l2Err = fn(lc.l2)
	}
	if l1Err != nil {
		return l1Err
	}
	return l2Err
}
