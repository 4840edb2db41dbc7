package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rgustavsen/skycast/internal/app"
	"github.com/rgustavsen/skycast/internal/cache"
	"github.com/rgustavsen/skycast/internal/circuitbreaker"
	"github.com/rgustavsen/skycast/internal/config"
	"github.com/rgustavsen/skycast/internal/fingerprint"
	"github.com/rgustavsen/skycast/internal/geoloc"
	httphandler "github.com/rgustavsen/skycast/internal/http"
	"github.com/rgustavsen/skycast/internal/lifecycle"
	"github.com/rgustavsen/skycast/internal/localstore"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/recovery"
	"github.com/rgustavsen/skycast/internal/scheduler"
	"github.com/rgustavsen/skycast/internal/temporal"
	"github.com/rgustavsen/skycast/internal/trust"
	"github.com/rgustavsen/skycast/internal/weather"
)

func main() {
	_ = godotenv.Load()

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FingerprintStorePath), 0o755); err != nil {
		logger.Fatal("local store dir", zap.Error(err))
	}
	store, err := localstore.OpenBolt(cfg.FingerprintStorePath)
	if err != nil {
		logger.Fatal("local store", zap.Error(err))
	}

	fpEngine := fingerprint.NewEngine(fingerprint.HostProbe{}, store, logger)
	temporalChecker := temporal.NewChecker(cfg.TemporalMaxDrift)

	trustCfg := trust.DefaultConfig()
	trustCfg.HighAccuracyMaxMeters = cfg.TrustHighAccuracyMaxM
	trustCfg.LowAccuracyMaxMeters = cfg.TrustLowAccuracyMaxM
	trustCfg.MaxJumpKm = cfg.TrustMaxJumpKm
	trustCfg.MaxIdenticalReadings = cfg.TrustMaxIdenticalReads
	trustCfg.InvalidThreshold = cfg.TrustInvalidThreshold
	evaluator := trust.NewEvaluator(trustCfg, fpEngine, temporalChecker, store, logger)

	provider := geoloc.NewIPGeoProvider(cfg.GeoEndpointURL, cfg.GeoAccuracyM, cfg.GeoPollInterval, cfg.RequestTimeout, logger)
	trackerCfg := geoloc.DefaultTrackerConfig()
	trackerCfg.QuickFixTimeout = cfg.QuickFixTimeout
	trackerCfg.PreciseTimeout = cfg.PreciseTimeout
	trackerCfg.WatchTimeout = cfg.WatchTimeout
	tracker := geoloc.NewTracker(provider, evaluator, trackerCfg, cfg.HighPrecision, logger)

	weatherClient, err := weather.NewOpenWeatherClientWithRetry(
		cfg.WeatherAPIKey,
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	weatherClient.SetBreaker(circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		Component:        "weather_api",
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker transition",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}))

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	weatherService := weather.NewService(weatherClient, cacheSvc, cfg.CacheTTL, cfg.FallbackCity, cfg.RequestTimeout, logger)
	controller := app.NewController(tracker, weatherService, models.ParseUnits(cfg.DefaultUnits), logger)

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controller.Start(appCtx)
	go tracker.Start(appCtx)

	if cfg.FallbackCity != "" {
		warmer := cache.NewWarmer(weatherService, models.ParseUnits(cfg.DefaultUnits), logger)
		go func() {
			if err := warmer.Warm(appCtx, []string{cfg.FallbackCity}); err != nil {
				logger.Warn("fallback city warm failed", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(controller, cfg.RefreshInterval, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	recovery.StartListener(appCtx, weatherClient.ValidateAPIKey, cfg.RecoveryInitial, cfg.RecoveryMax, func() {
		logger.Error("recovery attempts exhausted; flagging shutdown")
		lifecycle.SetShuttingDown(true)
	})

	observability.RegisterTrafficGauges(cfg.HealthWindow)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	healthConfig := &httphandler.HealthConfig{
		Window:         cfg.HealthWindow,
		ErrorPct:       cfg.HealthErrorPct,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}
	handler := httphandler.NewHandler(appCtx, controller, weatherClient, healthConfig, logger)

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.NewRoute().Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.HandleFunc("/weather", handler.GetWeather).Methods("GET")
	api.HandleFunc("/weather/{city}", handler.GetCityWeather).Methods("GET")
	api.HandleFunc("/location", handler.GetLocation).Methods("GET")
	api.HandleFunc("/location/refresh", handler.PostLocationRefresh).Methods("POST")
	api.HandleFunc("/location/precision", handler.PostPrecision).Methods("POST")
	api.HandleFunc("/units", handler.PutUnits).Methods("PUT")
	api.HandleFunc("/refresh", handler.PostRefresh).Methods("POST")

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-appCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	sched.Stop()
	tracker.Stop()
	controller.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := observability.FlushTelemetry(flushCtx, logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("local store close", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
