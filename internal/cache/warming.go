package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
)

// CityFetcher is implemented by the weather service. Declared here so the
// warmer does not depend on the weather package.
type CityFetcher interface {
	FetchCity(ctx context.Context, city string, units models.Units, force bool) (models.WeatherBundle, error)
}

// Warmer prefetches weather bundles for a list of cities so the first
// degraded fallback does not pay an upstream round trip.
type Warmer struct {
	fetcher CityFetcher
	units   models.Units
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that fetches in the given units.
func NewWarmer(fetcher CityFetcher, units models.Units, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, units: units, logger: logger}
}

// Warm fetches weather for each city concurrently, populating the cache via
// the fetcher. Returns an aggregated error if any city failed.
func (w *Warmer) Warm(ctx context.Context, cities []string) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("cities", len(cities)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(cities))
	for _, city := range cities {
		city := city
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.FetchCity(ctx, city, w.units, false); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", city, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("cities", len(cities)),
			zap.Int("errors", len(errs)),
			zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval
// until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, cities []string, interval time.Duration) error {
	if err := w.Warm(ctx, cities); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, cities); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
