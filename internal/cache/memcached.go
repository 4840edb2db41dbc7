package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/rgustavsen/skycast/internal/models"
)

const keyPrefix = "skycast:"

// envelope wraps a bundle with its freshness deadline. Memcached expiry is
// set to the stale horizon; freshness is decided client-side so expired
// entries can still back degraded responses.
type envelope struct {
	Bundle     models.WeatherBundle `json:"bundle"`
	FreshUntil time.Time            `json:"freshUntil"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and
// maxIdleConns configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c *MemcachedCache) key(k string) string {
	return keyPrefix + k
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (envelope, bool, error) {
	if ctx.Err() != nil {
		return envelope{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return envelope{}, false, nil
		}
		return envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return envelope{}, false, err
	}
	return env, true, nil
}

// Get implements Cache.Get. Returns false, nil on miss or on an entry past
// its freshness deadline; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.WeatherBundle, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.WeatherBundle{}, false, err
	}
	if time.Now().After(env.FreshUntil) {
		return models.WeatherBundle{}, false, nil
	}
	return env.Bundle, true, nil
}

// GetStale implements Cache.GetStale. Memcached evicts at the stale horizon,
// so anything still present is servable.
func (c *MemcachedCache) GetStale(ctx context.Context, key string) (models.WeatherBundle, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.WeatherBundle{}, false, err
	}
	return env.Bundle, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.WeatherBundle, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	raw, err := json.Marshal(envelope{Bundle: value, FreshUntil: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	expSec := int32((ttl + staleRetention).Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // memcached relative-expiry ceiling
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expSec,
	})
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
