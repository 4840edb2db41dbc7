package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/app"
	"github.com/rgustavsen/skycast/internal/lifecycle"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/traffic"
	"github.com/rgustavsen/skycast/internal/validation"
	"github.com/rgustavsen/skycast/internal/weather"
)

const (
	cityMinLen = 1
	cityMaxLen = 100
)

// APIKeyValidator is the client surface the health handler needs.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// Controller is the application surface the handlers drive.
type Controller interface {
	State() app.State
	Units() models.Units
	SetUnits(units models.Units)
	Refresh()
	RefreshLocation(ctx context.Context)
	SetHighPrecision(ctx context.Context, high bool)
	CityWeather(ctx context.Context, city string) (models.WeatherBundle, error)
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	Window         time.Duration
	ErrorPct       int
	RateLimitRPS   int
	RateLimitBurst int // 0 when rate limiter disabled
	// CachePing, when set, is called to check cache reachability. Used when
	// backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers. appCtx bounds tracker
// restarts triggered by requests (precision toggles, location refresh) so
// they outlive the request that asked for them.
type Handler struct {
	controller Controller
	client     APIKeyValidator
	health     *HealthConfig
	logger     *zap.Logger
	appCtx     context.Context

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(appCtx context.Context, controller Controller, client APIKeyValidator, health *HealthConfig, logger *zap.Logger) *Handler {
	if appCtx == nil {
		appCtx = context.Background()
	}
	return &Handler{
		controller: controller,
		client:     client,
		health:     health,
		logger:     logger,
		appCtx:     appCtx,
	}
}

// GetWeather handles GET /weather: the bundle for the tracked location.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	state := h.controller.State()
	if state.Weather == nil && !state.Loading && state.Err != "" {
		writeError(w, r, http.StatusServiceUnavailable, "WEATHER_UNAVAILABLE", state.Err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetCityWeather handles GET /weather/{city}.
func (h *Handler) GetCityWeather(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], cityMinLen, cityMaxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}

	bundle, err := h.controller.CityWeather(r.Context(), city)
	if err != nil {
		if errors.Is(err, weather.ErrLocationNotFound) {
			writeError(w, r, http.StatusNotFound, "CITY_NOT_FOUND", "no weather data for "+city)
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// GetLocation handles GET /location: the tracker's current snapshot.
func (h *Handler) GetLocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.State().Location)
}

// PostLocationRefresh handles POST /location/refresh. Acquisition restarts in
// the background; the snapshot is observable on GET /location.
func (h *Handler) PostLocationRefresh(w http.ResponseWriter, r *http.Request) {
	go h.controller.RefreshLocation(h.appCtx)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":     true,
		"action": "location_refresh",
	})
}

// PostPrecision handles POST /location/precision with body
// {"highPrecision": bool}.
func (h *Handler) PostPrecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HighPrecision *bool `json:"highPrecision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.HighPrecision == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "expected {\"highPrecision\": bool}")
		return
	}
	go h.controller.SetHighPrecision(h.appCtx, *body.HighPrecision)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":            true,
		"highPrecision": *body.HighPrecision,
	})
}

// PutUnits handles PUT /units with body {"units": "metric"|"imperial"}.
func (h *Handler) PutUnits(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Units string `json:"units"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "expected {\"units\": \"metric\"|\"imperial\"}")
		return
	}
	switch models.Units(body.Units) {
	case models.UnitsMetric, models.UnitsImperial:
	default:
		writeError(w, r, http.StatusBadRequest, "INVALID_UNITS", "units must be metric or imperial")
		return
	}
	h.controller.SetUnits(models.Units(body.Units))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"units": body.Units,
	})
}

// PostRefresh handles POST /refresh: forces a fresh weather fetch for the
// tracked location, bypassing the cache.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	h.controller.Refresh()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":     true,
		"action": "refresh",
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := make(map[string]string)
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	} else {
		checks["weatherApi"] = "healthy"
	}
	if h.health != nil && h.health.CachePing != nil {
		if h.health.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "skycast",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus evaluates health conditions in priority order:
// shutting-down > API key invalid > overloaded > degraded > healthy. Each
// condition is evaluated only if previous conditions are not met.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.client.ValidateAPIKey(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.health == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	// Overloaded: rate limit denials exceed the allowed share of capacity in
	// the window.
	if h.health.RateLimitRPS > 0 && h.health.ErrorPct > 0 {
		capacity := float64(h.health.RateLimitRPS) * h.health.Window.Seconds()
		threshold := capacity * float64(h.health.ErrorPct) / 100
		if float64(traffic.DenialCount(h.health.Window)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	// Degraded: upstream error rate exceeds the configured threshold.
	if h.health.Window > 0 && h.health.ErrorPct > 0 {
		errCount, total := traffic.ErrorRate(h.health.Window)
		if total > 0 {
			pct := float64(errCount) * 100 / float64(total)
			if pct >= float64(h.health.ErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes a 503 for upstream failures and logs the
// underlying error at DEBUG when a request logger is available.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("upstream error", zap.Error(err))
	}
}
