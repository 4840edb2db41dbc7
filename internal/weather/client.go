// Package weather fetches current conditions and hourly forecasts from the
// upstream provider and assembles them into served bundles. The Service
// layers caching, request coalescing, and degraded-mode fallbacks on top of
// the raw Client.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rgustavsen/skycast/internal/circuitbreaker"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
)

// Client is the upstream weather API surface.
type Client interface {
	CurrentByCoords(ctx context.Context, lat, lon float64, units models.Units) (models.CurrentConditions, error)
	ForecastByCoords(ctx context.Context, lat, lon float64, units models.Units) (models.ForecastResponse, error)
	CurrentByCity(ctx context.Context, city string, units models.Units) (models.CurrentConditions, error)
	ForecastByCity(ctx context.Context, city string, units models.Units) (models.ForecastResponse, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	// ErrForecastPending marks a forecast the upstream has accepted but not
	// finished computing. Retryable.
	ErrForecastPending = errors.New("forecast pending")
)

// OpenWeatherClient implements Client against the OpenWeatherMap HTTP API
// with bounded retries and an optional circuit breaker.
type OpenWeatherClient struct {
	apiKey         string
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient creates a client with default retry parameters.
func NewOpenWeatherClient(apiKey, apiURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	return NewOpenWeatherClientWithRetry(apiKey, apiURL, timeout, 3, 100*time.Millisecond, 2*time.Second)
}

// NewOpenWeatherClientWithRetry creates a client with explicit retry
// parameters.
func NewOpenWeatherClientWithRetry(apiKey, apiURL string, timeout time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}

	return &OpenWeatherClient{
		apiKey:         apiKey,
		apiURL:         strings.TrimRight(apiURL, "/"),
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetBreaker installs a circuit breaker around upstream calls. Call before
// first use.
func (c *OpenWeatherClient) SetBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// query identifies one upstream request: either a city name or a coordinate
// pair, plus the unit system.
type query struct {
	city     string
	lat, lon float64
	byCoords bool
	units    models.Units
}

type currentResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Weather []struct {
		ID          int    `json:"id"`
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Clouds struct {
		All int `json:"all"`
	} `json:"clouds"`
	DT   int64  `json:"dt"`
	Name string `json:"name"`
}

type forecastResponse struct {
	Status string `json:"status"`
	List   []struct {
		DT   int64 `json:"dt"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			ID          int    `json:"id"`
			Main        string `json:"main"`
			Description string `json:"description"`
			Icon        string `json:"icon"`
		} `json:"weather"`
		Clouds struct {
			All int `json:"all"`
		} `json:"clouds"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Pop float64 `json:"pop"`
	} `json:"list"`
	City struct {
		Name string `json:"name"`
	} `json:"city"`
}

func (c *OpenWeatherClient) CurrentByCoords(ctx context.Context, lat, lon float64, units models.Units) (models.CurrentConditions, error) {
	return c.current(ctx, query{lat: lat, lon: lon, byCoords: true, units: units})
}

func (c *OpenWeatherClient) CurrentByCity(ctx context.Context, city string, units models.Units) (models.CurrentConditions, error) {
	return c.current(ctx, query{city: city, units: units})
}

func (c *OpenWeatherClient) ForecastByCoords(ctx context.Context, lat, lon float64, units models.Units) (models.ForecastResponse, error) {
	return c.forecast(ctx, query{lat: lat, lon: lon, byCoords: true, units: units})
}

func (c *OpenWeatherClient) ForecastByCity(ctx context.Context, city string, units models.Units) (models.ForecastResponse, error) {
	return c.forecast(ctx, query{city: city, units: units})
}

func (c *OpenWeatherClient) current(ctx context.Context, q query) (models.CurrentConditions, error) {
	var out models.CurrentConditions
	err := c.withRetries(ctx, func() error {
		body, err := c.callAPI(ctx, "/weather", q)
		if err != nil {
			return err
		}
		var resp currentResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		out = mapCurrent(resp, q.city)
		return nil
	})
	return out, err
}

func (c *OpenWeatherClient) forecast(ctx context.Context, q query) (models.ForecastResponse, error) {
	var out models.ForecastResponse
	err := c.withRetries(ctx, func() error {
		body, err := c.callAPI(ctx, "/forecast", q)
		if err != nil {
			return err
		}
		var resp forecastResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if resp.Status == "pending" {
			return ErrForecastPending
		}
		out = mapForecast(resp)
		return nil
	})
	return out, err
}

// withRetries runs fn with exponential backoff and jitter, retrying only
// errors that can plausibly clear on their own.
func (c *OpenWeatherClient) withRetries(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

// callAPI performs one upstream request and returns the raw body. Errors are
// mapped to the package sentinels.
func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, q query) ([]byte, error) {
	if c.breaker != nil {
		var body []byte
		err := c.breaker.Call(ctx, func() error {
			var callErr error
			body, callErr = c.doCall(ctx, endpoint, q)
			return callErr
		})
		return body, err
	}
	return c.doCall(ctx, endpoint, q)
}

func (c *OpenWeatherClient) doCall(ctx context.Context, endpoint string, q query) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, q)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrForecastPending) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "context canceled")
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, q query) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	if q.byCoords {
		params.Set("lat", strconv.FormatFloat(q.lat, 'f', -1, 64))
		params.Set("lon", strconv.FormatFloat(q.lon, 'f', -1, 64))
	} else {
		params.Set("q", q.city)
	}
	params.Set("appid", c.apiKey)
	params.Set("units", string(q.units))
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func mapCurrent(resp currentResponse, fallbackName string) models.CurrentConditions {
	out := models.CurrentConditions{
		Name:        resp.Name,
		Temperature: resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		Humidity:    resp.Main.Humidity,
		WindSpeed:   resp.Wind.Speed,
		CloudCover:  resp.Clouds.All,
		Timestamp:   time.Unix(resp.DT, 0),
	}
	if out.Name == "" {
		out.Name = fallbackName
	}
	if len(resp.Weather) > 0 {
		w := resp.Weather[0]
		out.ConditionID = w.ID
		out.Conditions = w.Main
		if w.Description != "" {
			out.Conditions = w.Description
		}
		out.Icon = w.Icon
	}
	return out
}

func mapForecast(resp forecastResponse) models.ForecastResponse {
	out := models.ForecastResponse{
		Hourly: make([]models.HourlyForecast, 0, len(resp.List)),
	}
	for _, item := range resp.List {
		h := models.HourlyForecast{
			Time:              time.Unix(item.DT, 0),
			Temperature:       item.Main.Temp,
			FeelsLike:         item.Main.FeelsLike,
			Humidity:          item.Main.Humidity,
			WindSpeed:         item.Wind.Speed,
			CloudCover:        item.Clouds.All,
			PrecipProbability: item.Pop,
		}
		if len(item.Weather) > 0 {
			w := item.Weather[0]
			h.ConditionID = w.ID
			h.Conditions = w.Main
			if w.Description != "" {
				h.Conditions = w.Description
			}
			h.Icon = w.Icon
		}
		out.Hourly = append(out.Hourly, h)
	}
	return out
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

// ValidateAPIKey performs one cheap authenticated call to confirm the key is
// active. Intended for startup.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := c.buildRequest(ctx, "/weather", query{city: "London", units: models.UnitsMetric})
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}

	return nil
}
