// Package config loads service configuration from config/{ENV_NAME}.yaml
// plus environment overrides. Secrets (the weather API key) come from the
// environment or config/secrets.yaml, never the main config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration
	CacheTTL       time.Duration
	CacheBackend   string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	ShutdownTimeout time.Duration

	// Geolocation provider and acquisition timings.
	GeoEndpointURL  string
	GeoAccuracyM    float64
	GeoPollInterval time.Duration
	QuickFixTimeout time.Duration
	PreciseTimeout  time.Duration
	WatchTimeout    time.Duration
	HighPrecision   bool

	// Trust heuristics. Field experience values; see trust.DefaultConfig.
	TrustHighAccuracyMaxM  float64
	TrustLowAccuracyMaxM   float64
	TrustMaxJumpKm         float64
	TrustMaxIdenticalReads int
	TrustInvalidThreshold  int
	TemporalMaxDrift       time.Duration
	FingerprintStorePath   string

	DefaultUnits    string
	FallbackCity    string
	RefreshInterval time.Duration

	HealthWindow    time.Duration
	HealthErrorPct  int
	RecoveryInitial time.Duration
	RecoveryMax     time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Geolocation struct {
		EndpointURL     string  `yaml:"endpoint_url"`
		AccuracyMeters  float64 `yaml:"accuracy_meters"`
		PollInterval    string  `yaml:"poll_interval"`
		QuickFixTimeout string  `yaml:"quick_fix_timeout"`
		PreciseTimeout  string  `yaml:"precise_timeout"`
		WatchTimeout    string  `yaml:"watch_timeout"`
		HighPrecision   *bool   `yaml:"high_precision"`
	} `yaml:"geolocation"`

	Trust struct {
		HighAccuracyMaxMeters float64 `yaml:"high_accuracy_max_meters"`
		LowAccuracyMaxMeters  float64 `yaml:"low_accuracy_max_meters"`
		MaxJumpKm             float64 `yaml:"max_jump_km"`
		MaxIdenticalReadings  int     `yaml:"max_identical_readings"`
		InvalidThreshold      int     `yaml:"invalid_threshold"`
		TimestampMaxDrift     string  `yaml:"timestamp_max_drift"`
		FingerprintStorePath  string  `yaml:"fingerprint_store_path"`
	} `yaml:"trust"`

	Weather struct {
		DefaultUnits    string `yaml:"default_units"`
		FallbackCity    string `yaml:"fallback_city"`
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"weather"`

	Health struct {
		Window          string `yaml:"window"`
		ErrorPct        int    `yaml:"error_pct"`
		RecoveryInitial string `yaml:"recovery_initial"`
		RecoveryMax     string `yaml:"recovery_max"`
	} `yaml:"health"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. API key comes from WEATHER_API_KEY env or secrets
// file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			cfg.WeatherAPIKey = sec.WeatherAPIKey
		}
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.GeoEndpointURL = strings.TrimSpace(os.Getenv("GEO_ENDPOINT_URL"))
	if cfg.GeoEndpointURL == "" {
		cfg.GeoEndpointURL = strings.TrimSpace(fc.Geolocation.EndpointURL)
	}
	if cfg.GeoEndpointURL == "" {
		cfg.GeoEndpointURL = "http://ip-api.com/json"
	}
	cfg.GeoAccuracyM = fc.Geolocation.AccuracyMeters
	if cfg.GeoAccuracyM <= 0 {
		cfg.GeoAccuracyM = 25000
	}
	cfg.GeoPollInterval = parseDuration(fc.Geolocation.PollInterval, time.Minute)
	cfg.QuickFixTimeout = parseDuration(fc.Geolocation.QuickFixTimeout, 5*time.Second)
	cfg.PreciseTimeout = parseDuration(fc.Geolocation.PreciseTimeout, 15*time.Second)
	cfg.WatchTimeout = parseDuration(fc.Geolocation.WatchTimeout, 15*time.Second)
	cfg.HighPrecision = true
	if fc.Geolocation.HighPrecision != nil {
		cfg.HighPrecision = *fc.Geolocation.HighPrecision
	}

	cfg.TrustHighAccuracyMaxM = fc.Trust.HighAccuracyMaxMeters
	if cfg.TrustHighAccuracyMaxM <= 0 {
		cfg.TrustHighAccuracyMaxM = 90
	}
	cfg.TrustLowAccuracyMaxM = fc.Trust.LowAccuracyMaxMeters
	if cfg.TrustLowAccuracyMaxM <= 0 {
		cfg.TrustLowAccuracyMaxM = 500
	}
	cfg.TrustMaxJumpKm = fc.Trust.MaxJumpKm
	if cfg.TrustMaxJumpKm <= 0 {
		cfg.TrustMaxJumpKm = 200
	}
	cfg.TrustMaxIdenticalReads = fc.Trust.MaxIdenticalReadings
	if cfg.TrustMaxIdenticalReads <= 0 {
		cfg.TrustMaxIdenticalReads = 2
	}
	cfg.TrustInvalidThreshold = fc.Trust.InvalidThreshold
	if cfg.TrustInvalidThreshold <= 0 {
		cfg.TrustInvalidThreshold = 10
	}
	cfg.TemporalMaxDrift = parseDuration(fc.Trust.TimestampMaxDrift, 30*time.Minute)
	cfg.FingerprintStorePath = strings.TrimSpace(fc.Trust.FingerprintStorePath)
	if cfg.FingerprintStorePath == "" {
		cfg.FingerprintStorePath = filepath.Join(cwd, "data", "skycast.db")
	}

	cfg.DefaultUnits = strings.TrimSpace(strings.ToLower(fc.Weather.DefaultUnits))
	if cfg.DefaultUnits == "" {
		cfg.DefaultUnits = "metric"
	}
	cfg.FallbackCity = strings.TrimSpace(fc.Weather.FallbackCity)
	if cfg.FallbackCity == "" {
		cfg.FallbackCity = "Oslo"
	}
	cfg.RefreshInterval = parseDuration(fc.Weather.RefreshInterval, 10*time.Minute)

	cfg.HealthWindow = parseDuration(fc.Health.Window, 60*time.Second)
	cfg.HealthErrorPct = fc.Health.ErrorPct
	if cfg.HealthErrorPct <= 0 {
		cfg.HealthErrorPct = 5
	}
	cfg.RecoveryInitial = parseDuration(fc.Health.RecoveryInitial, 1*time.Minute)
	cfg.RecoveryMax = parseDuration(fc.Health.RecoveryMax, 13*time.Minute)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on
// empty string or parse error. Returns zero or negative durations as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.DefaultUnits {
	case "metric", "imperial":
		// valid
	default:
		return fmt.Errorf("weather.default_units must be metric or imperial, got %q", cfg.DefaultUnits)
	}
	if cfg.TrustLowAccuracyMaxM < cfg.TrustHighAccuracyMaxM {
		return fmt.Errorf("trust.low_accuracy_max_meters (%v) must be >= high_accuracy_max_meters (%v)",
			cfg.TrustLowAccuracyMaxM, cfg.TrustHighAccuracyMaxM)
	}
	return nil
}
