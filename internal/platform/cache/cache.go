package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a fetched response stays valid.
const DefaultTTL = 5 * time.Minute

var (
	// ErrNotFound is returned when a key is absent or has expired
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when cache value is invalid
	ErrInvalidValue = errors.New("cache: invalid value")
)

// Cache defines the interface for response cache operations
type Cache interface {
	// Get retrieves a value; expired entries are reported as ErrNotFound
	Get(ctx context.Context, key string) (interface{}, error)

	// Set stores a value with TTL, replacing any previous entry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache
	Delete(ctx context.Context, key string) error

	// Clear removes every key containing pattern; an empty pattern clears all
	Clear(ctx context.Context, pattern string) error

	// Close releases background resources
	Close() error
}

// Stats is a diagnostic snapshot of a cache.
type Stats struct {
	TotalEntries    int `json:"totalEntries" yaml:"totalEntries"`
	ValidEntries    int `json:"validEntries" yaml:"validEntries"`
	ExpiredEntries  int `json:"expiredEntries" yaml:"expiredEntries"`
	ApproxSizeBytes int `json:"approxSizeBytes" yaml:"approxSizeBytes"`
	MaxEntries      int `json:"maxEntries" yaml:"maxEntries"`
}

// StatsProvider is implemented by caches that can report Stats.
type StatsProvider interface {
	Stats() Stats
}
