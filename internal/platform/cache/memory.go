package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/agatticelli/retail-dashboard/internal/platform/clock"
)

// Entry is a stored response together with its validity window.
type Entry struct {
	Key       string
	Value     interface{}
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the entry is still usable at now.
func (e *Entry) Valid(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// MemoryCache implements an in-memory LRU cache with TTL support.
// Expired entries stay invisible to Get and are evicted lazily on read,
// on Clear, or by the optional background sweep.
type MemoryCache struct {
	maxSize int
	items   map[string]*list.Element
	lru     *list.List
	clock   clock.Clock
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
}

// MemoryCacheConfig configures a MemoryCache.
type MemoryCacheConfig struct {
	MaxSize int
	Clock   clock.Clock
	// CleanupInterval enables a background sweep of expired entries.
	// Zero disables it.
	CleanupInterval time.Duration
}

// NewMemoryCache creates a new in-memory cache with a one minute sweep
func NewMemoryCache(maxSize int) *MemoryCache {
	return NewMemoryCacheWithConfig(MemoryCacheConfig{
		MaxSize:         maxSize,
		CleanupInterval: time.Minute,
	})
}

// NewMemoryCacheWithConfig creates a new in-memory cache
func NewMemoryCacheWithConfig(cfg MemoryCacheConfig) *MemoryCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	c := &MemoryCache{
		maxSize: cfg.MaxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go c.cleanup(cfg.CleanupInterval)
	}

	return c
}

// Get retrieves a value from cache
func (c *MemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	entry, ok := c.Entry(key)
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

// Entry returns a copy of the valid entry stored under key.
func (c *MemoryCache) Entry(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		return Entry{}, false
	}

	entry := element.Value.(*Entry)
	if !entry.Valid(c.clock.Now()) {
		c.remove(key)
		return Entry{}, false
	}

	c.lru.MoveToFront(element)
	return *entry, true
}

// Set stores a value in cache with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*Entry)
		entry.Value = value
		entry.StoredAt = now
		entry.ExpiresAt = now.Add(ttl)
		c.lru.MoveToFront(element)
		return nil
	}

	element := c.lru.PushFront(&Entry{
		Key:       key,
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	c.items[key] = element

	if c.lru.Len() > c.maxSize {
		c.evictOldest()
	}

	return nil
}

// Delete removes a key from cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	return nil
}

// Clear removes all keys containing pattern, or everything when pattern is empty
func (c *MemoryCache) Clear(ctx context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		c.items = make(map[string]*list.Element)
		c.lru.Init()
		return nil
	}

	for key := range c.items {
		if strings.Contains(key, pattern) {
			c.remove(key)
		}
	}
	return nil
}

// Close stops the background sweep
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopped {
		c.stopped = true
		close(c.stopCh)
	}
	return nil
}

// Stats returns a snapshot of entry counts and an approximate payload
// size, computed by serializing every stored value.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	stats := Stats{
		TotalEntries: len(c.items),
		MaxEntries:   c.maxSize,
	}

	for _, element := range c.items {
		entry := element.Value.(*Entry)
		if entry.Valid(now) {
			stats.ValidEntries++
		} else {
			stats.ExpiredEntries++
		}
		stats.ApproxSizeBytes += approxSize(entry.Value)
	}

	return stats
}

// Keys returns the stored keys, most recently used first.
func (c *MemoryCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.lru.Len())
	for e := c.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*Entry).Key)
	}
	return keys
}

func approxSize(v interface{}) int {
	switch val := v.(type) {
	case json.RawMessage:
		return len(val)
	case []byte:
		return len(val)
	case string:
		return len(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// remove removes an item (caller must hold lock)
func (c *MemoryCache) remove(key string) {
	if element, exists := c.items[key]; exists {
		c.lru.Remove(element)
		delete(c.items, key)
	}
}

// evictOldest removes the least recently used item (caller must hold lock)
func (c *MemoryCache) evictOldest() {
	element := c.lru.Back()
	if element != nil {
		c.remove(element.Value.(*Entry).Key)
	}
}

// cleanup periodically removes expired items
func (c *MemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}

// cleanupExpired removes all expired items
func (c *MemoryCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, element := range c.items {
		if !element.Value.(*Entry).Valid(now) {
			c.remove(key)
		}
	}
}
