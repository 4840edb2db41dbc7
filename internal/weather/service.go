package weather

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/cache"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/recovery"
	"github.com/rgustavsen/skycast/internal/traffic"
)

// ErrLocationUnavailable is returned when the location could not be verified
// and no previously fetched bundle exists to fall back on.
var ErrLocationUnavailable = errors.New("weather unavailable: location could not be verified")

// User-facing warnings attached to degraded bundles.
const (
	warnUnverifiedLocation = "Location could not be verified. Showing last known weather."
	warnStaleCache         = "Live weather unavailable. Showing cached data."
)

// DefaultTTL is how long a fetched bundle stays fresh.
const DefaultTTL = 5 * time.Minute

// Service orchestrates weather retrieval: cache-aside reads, coalesced
// upstream fetches, and degraded-mode fallbacks (stale cache, then the
// configured fallback city). An unverified location is a hard stop; no
// network request is made for it.
type Service struct {
	client       Client
	cache        cache.Cache
	ttl          time.Duration
	fallbackCity string
	coalescer    *fetchCoalescer
	logger       *zap.Logger
	now          func() time.Time

	lastMu   sync.Mutex
	lastGood *models.WeatherBundle
}

// NewService creates a Service. ttl <= 0 selects DefaultTTL; coalesceTimeout
// <= 0 disables request coalescing.
func NewService(client Client, c cache.Cache, ttl time.Duration, fallbackCity string, coalesceTimeout time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var coalescer *fetchCoalescer
	if coalesceTimeout > 0 {
		coalescer = newFetchCoalescer(coalesceTimeout)
	}
	return &Service{
		client:       client,
		cache:        c,
		ttl:          ttl,
		fallbackCity: fallbackCity,
		coalescer:    coalescer,
		logger:       logger,
		now:          time.Now,
	}
}

func coordKey(loc models.Coordinates, units models.Units) string {
	return fmt.Sprintf("%.4f,%.4f:%s", loc.Latitude, loc.Longitude, units)
}

func cityKey(city string, units models.Units) string {
	return strings.ToLower(strings.TrimSpace(city)) + ":" + string(units)
}

// Fetch retrieves the weather bundle for the tracked location. An invalid
// location never reaches the network: the last good bundle is served with a
// warning, or ErrLocationUnavailable when there is none. A nil location
// falls back to the configured default city.
func (s *Service) Fetch(ctx context.Context, loc *models.Coordinates, locValid bool, units models.Units, force bool) (models.WeatherBundle, error) {
	if loc != nil && !locValid {
		if held := s.heldBundle(); held != nil {
			b := *held
			b.Degraded = true
			b.Warning = warnUnverifiedLocation
			observability.DegradedResponsesTotal.WithLabelValues("last_good").Inc()
			s.logger.Info("serving held bundle for unverified location")
			return b, nil
		}
		return models.WeatherBundle{}, ErrLocationUnavailable
	}

	if loc == nil {
		if s.fallbackCity == "" {
			return models.WeatherBundle{}, ErrLocationUnavailable
		}
		return s.FetchCity(ctx, s.fallbackCity, units, force)
	}

	l := *loc
	return s.fetch(ctx, coordKey(l, units), force, true, func(ctx context.Context) (models.WeatherBundle, error) {
		return s.fetchByCoords(ctx, l, units)
	})
}

// FetchCity retrieves the weather bundle for a named city.
func (s *Service) FetchCity(ctx context.Context, city string, units models.Units, force bool) (models.WeatherBundle, error) {
	return s.fetch(ctx, cityKey(city, units), force, false, func(ctx context.Context) (models.WeatherBundle, error) {
		return s.fetchByCity(ctx, city, units)
	})
}

func (s *Service) fetch(ctx context.Context, key string, force, allowCityFallback bool, fn func(context.Context) (models.WeatherBundle, error)) (models.WeatherBundle, error) {
	observability.WeatherQueriesTotal.Inc()

	if !force {
		cached, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			observability.CacheHitsTotal.WithLabelValues("fresh").Inc()
			s.logger.Debug("cache hit", zap.String("key", key))
			return cached, nil
		}
	}

	var bundle models.WeatherBundle
	var err error
	if s.coalescer != nil {
		bundle, err = s.coalescer.GetOrDo(ctx, key, func() (models.WeatherBundle, error) {
			return fn(ctx)
		})
	} else {
		bundle, err = fn(ctx)
	}

	if err == nil {
		traffic.RecordSuccess()
		if setErr := s.cache.Set(ctx, key, bundle, s.ttl); setErr != nil {
			s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
		s.setHeldBundle(bundle)
		return bundle, nil
	}

	traffic.RecordError()
	recovery.Notify()
	s.logger.Warn("upstream fetch failed", zap.String("key", key), zap.Error(err))

	stale, ok, staleErr := s.cache.GetStale(ctx, key)
	if staleErr == nil && ok {
		observability.CacheHitsTotal.WithLabelValues("stale").Inc()
		observability.DegradedResponsesTotal.WithLabelValues("stale_cache").Inc()
		stale.Degraded = true
		stale.Warning = warnStaleCache
		s.logger.Info("serving stale cache", zap.String("key", key), zap.Duration("age", s.now().Sub(stale.FetchedAt)))
		return stale, nil
	}

	if allowCityFallback && s.fallbackCity != "" {
		fb, fbErr := s.fetchByCity(ctx, s.fallbackCity, unitsFromKey(key))
		if fbErr == nil {
			fb.Degraded = true
			fb.Warning = fmt.Sprintf("Live weather unavailable for your location. Showing %s.", s.fallbackCity)
			observability.DegradedResponsesTotal.WithLabelValues("fallback_city").Inc()
			if setErr := s.cache.Set(ctx, cityKey(s.fallbackCity, unitsFromKey(key)), fb, s.ttl); setErr != nil {
				s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
			}
			s.logger.Info("serving fallback city", zap.String("city", s.fallbackCity))
			return fb, nil
		}
		s.logger.Warn("fallback city fetch failed", zap.String("city", s.fallbackCity), zap.Error(fbErr))
	}

	return models.WeatherBundle{}, fmt.Errorf("fetch weather for %s: %w", key, err)
}

func (s *Service) fetchByCoords(ctx context.Context, loc models.Coordinates, units models.Units) (models.WeatherBundle, error) {
	current, err := s.client.CurrentByCoords(ctx, loc.Latitude, loc.Longitude, units)
	if err != nil {
		return models.WeatherBundle{}, err
	}
	forecast, err := s.client.ForecastByCoords(ctx, loc.Latitude, loc.Longitude, units)
	if err != nil {
		return models.WeatherBundle{}, err
	}
	return s.assemble(current, forecast), nil
}

func (s *Service) fetchByCity(ctx context.Context, city string, units models.Units) (models.WeatherBundle, error) {
	current, err := s.client.CurrentByCity(ctx, city, units)
	if err != nil {
		return models.WeatherBundle{}, err
	}
	forecast, err := s.client.ForecastByCity(ctx, city, units)
	if err != nil {
		return models.WeatherBundle{}, err
	}
	return s.assemble(current, forecast), nil
}

// assemble stamps the bundle and fills in a derived UV index when the
// upstream response carries none.
func (s *Service) assemble(current models.CurrentConditions, forecast models.ForecastResponse) models.WeatherBundle {
	if current.UVIndex <= 0 {
		current.UVIndex = DeriveUVIndex(s.now(), current.CloudCover)
	}
	return models.WeatherBundle{
		Weather:   current,
		Forecast:  forecast,
		FetchedAt: s.now(),
	}
}

func (s *Service) heldBundle() *models.WeatherBundle {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.lastGood == nil {
		return nil
	}
	b := *s.lastGood
	return &b
}

func (s *Service) setHeldBundle(b models.WeatherBundle) {
	s.lastMu.Lock()
	s.lastGood = &b
	s.lastMu.Unlock()
}

// unitsFromKey recovers the units segment of a cache key. Keys always end in
// ":units".
func unitsFromKey(key string) models.Units {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return models.ParseUnits(key[i+1:])
	}
	return models.UnitsMetric
}
