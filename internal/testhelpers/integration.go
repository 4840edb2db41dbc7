//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/rgustavsen/skycast/internal/cache"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/weather"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
	FallbackCity  string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5"
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	fallbackCity := os.Getenv("FALLBACK_CITY")
	if fallbackCity == "" {
		fallbackCity = "Oslo"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
		FallbackCity:  fallbackCity,
	}
}

// SetupIntegrationService creates a fully configured weather service for
// integration tests. Returns the service, cache instance, and cleanup func.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*weather.Service, cache.Cache, func()) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	weatherClient := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache
	cleanup := func() {}

	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			cacheSvc = memcachedCache
			cleanup = func() { _ = memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
			cacheSvc = cache.NewInMemoryCache()
		}
	} else {
		cacheSvc = cache.NewInMemoryCache()
	}

	svc := weather.NewService(weatherClient, cacheSvc, 5*time.Minute, cfg.FallbackCity, 5*time.Second, logger)

	return svc, cacheSvc, cleanup
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *weather.OpenWeatherClient {
	c, err := weather.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}
