// Package cache stores assembled weather bundles keyed by location and units.
// Entries outlive their TTL: an expired entry is invisible to Get but stays
// retrievable through GetStale so degraded mode can serve last-known-good
// data when the upstream is down.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rgustavsen/skycast/internal/models"
)

// staleRetention bounds how long an expired entry remains eligible for
// stale serving.
const staleRetention = 24 * time.Hour

// Cache is the weather bundle cache. Get returns only fresh entries;
// GetStale also returns expired ones within the retention window.
type Cache interface {
	Get(ctx context.Context, key string) (models.WeatherBundle, bool, error)
	GetStale(ctx context.Context, key string) (models.WeatherBundle, bool, error)
	Set(ctx context.Context, key string, value models.WeatherBundle, ttl time.Duration) error
}

// InMemoryCache implements Cache with a map and lazy expiry. Safe for
// concurrent use.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value      models.WeatherBundle
	freshUntil time.Time
	staleUntil time.Time
}

// NewInMemoryCache creates an in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns the entry for key if present and still fresh. An expired entry
// is left in place for GetStale.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.WeatherBundle, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.freshUntil) {
		return models.WeatherBundle{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry for key regardless of freshness, as long as it
// is within the stale retention window. Entries past retention are dropped.
func (c *InMemoryCache) GetStale(ctx context.Context, key string) (models.WeatherBundle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return models.WeatherBundle{}, false, nil
	}
	if c.now().After(entry.staleUntil) {
		delete(c.data, key)
		return models.WeatherBundle{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key, fresh for ttl and stale-servable for the
// retention window after that.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.WeatherBundle, ttl time.Duration) error {
	now := c.now()
	c.mu.Lock()
	c.data[key] = cacheEntry{
		value:      value,
		freshUntil: now.Add(ttl),
		staleUntil: now.Add(ttl + staleRetention),
	}
	c.mu.Unlock()
	return nil
}
