package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rgustavsen/skycast/internal/app"
	"github.com/rgustavsen/skycast/internal/geoloc"
	"github.com/rgustavsen/skycast/internal/lifecycle"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/traffic"
	"github.com/rgustavsen/skycast/internal/weather"
)

type mockController struct {
	mu                sync.Mutex
	state             app.State
	unitsSet          []models.Units
	refreshes         int
	cityBundle        models.WeatherBundle
	cityErr           error
	cityCalls         []string
	cityBlock         chan struct{} // if set, CityWeather blocks until ctx.Done()
	locationRefreshed chan struct{}
	precisionSet      chan bool
}

func newMockController() *mockController {
	return &mockController{
		state:             app.State{Units: models.UnitsMetric},
		locationRefreshed: make(chan struct{}, 4),
		precisionSet:      make(chan bool, 4),
	}
}

func (m *mockController) State() app.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockController) Units() models.Units {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Units
}

func (m *mockController) SetUnits(units models.Units) {
	m.mu.Lock()
	m.unitsSet = append(m.unitsSet, units)
	m.state.Units = units
	m.mu.Unlock()
}

func (m *mockController) Refresh() {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
}

func (m *mockController) RefreshLocation(ctx context.Context) {
	m.locationRefreshed <- struct{}{}
}

func (m *mockController) SetHighPrecision(ctx context.Context, high bool) {
	m.precisionSet <- high
}

func (m *mockController) CityWeather(ctx context.Context, city string) (models.WeatherBundle, error) {
	m.mu.Lock()
	m.cityCalls = append(m.cityCalls, city)
	block := m.cityBlock
	bundle, err := m.cityBundle, m.cityErr
	m.mu.Unlock()
	if block != nil {
		select {
		case <-ctx.Done():
			return models.WeatherBundle{}, ctx.Err()
		case <-block:
		}
	}
	return bundle, err
}

type mockValidator struct {
	err error
}

func (m *mockValidator) ValidateAPIKey(ctx context.Context) error { return m.err }

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	errorObj, ok := resp["error"].(map[string]interface{})
	if !ok {
		t.Fatal("Error response missing 'error' field")
	}
	code, _ := errorObj["code"].(string)
	return code
}

// TestHandler_GetWeather_Success verifies GET /weather returns the current
// application state with the held bundle.
func TestHandler_GetWeather_Success(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{
			Weather:   models.CurrentConditions{Name: "Oslo", Temperature: 4.2},
			FetchedAt: time.Now(),
		},
		Units:    models.UnitsMetric,
		Location: geoloc.Snapshot{Valid: true},
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()

	handler.GetWeather(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetWeather() status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp app.State
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Weather == nil || resp.Weather.Weather.Name != "Oslo" {
		t.Errorf("Response weather = %+v, want Oslo bundle", resp.Weather)
	}
	if resp.Units != models.UnitsMetric {
		t.Errorf("Response units = %q, want metric", resp.Units)
	}
}

// TestHandler_GetWeather_Unavailable verifies GET /weather maps a failed state
// with no bundle to 503.
func TestHandler_GetWeather_Unavailable(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{Units: models.UnitsMetric, Err: "weather unavailable: location could not be verified"}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()

	handler.GetWeather(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetWeather() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := decodeErrorCode(t, w); code != "WEATHER_UNAVAILABLE" {
		t.Errorf("Error code = %q, want WEATHER_UNAVAILABLE", code)
	}
}

// TestHandler_GetWeather_LoadingWithoutBundle verifies a loading state is not
// treated as an error.
func TestHandler_GetWeather_LoadingWithoutBundle(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{Units: models.UnitsMetric, Loading: true}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()

	handler.GetWeather(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetWeather() status = %d, want %d while loading", w.Code, http.StatusOK)
	}
}

// TestHandler_GetCityWeather_Success verifies GET /weather/{city} returns the
// bundle for a named city.
func TestHandler_GetCityWeather_Success(t *testing.T) {
	ctrl := newMockController()
	ctrl.cityBundle = models.WeatherBundle{Weather: models.CurrentConditions{Name: "Bergen", Temperature: 8.1}}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather/Bergen", nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetCityWeather() status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp models.WeatherBundle
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Weather.Name != "Bergen" {
		t.Errorf("Response name = %q, want Bergen", resp.Weather.Name)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.cityCalls) != 1 || ctrl.cityCalls[0] != "Bergen" {
		t.Errorf("city calls = %v, want [Bergen]", ctrl.cityCalls)
	}
}

// TestHandler_GetCityWeather_InvalidCity verifies disallowed characters map to
// 400 INVALID_CITY.
func TestHandler_GetCityWeather_InvalidCity(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather/os%25lo", nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("GetCityWeather() status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != "INVALID_CITY" {
		t.Errorf("Error code = %q, want INVALID_CITY", code)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.cityCalls) != 0 {
		t.Errorf("city calls = %v, want none for invalid input", ctrl.cityCalls)
	}
}

// TestHandler_GetCityWeather_NotFound verifies an unknown city maps to 404.
func TestHandler_GetCityWeather_NotFound(t *testing.T) {
	ctrl := newMockController()
	ctrl.cityErr = weather.ErrLocationNotFound
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather/Nowhereville", nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("GetCityWeather() status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if code := decodeErrorCode(t, w); code != "CITY_NOT_FOUND" {
		t.Errorf("Error code = %q, want CITY_NOT_FOUND", code)
	}
}

// TestHandler_GetCityWeather_UpstreamError verifies upstream failures map to
// 503 UPSTREAM_UNAVAILABLE.
func TestHandler_GetCityWeather_UpstreamError(t *testing.T) {
	ctrl := newMockController()
	ctrl.cityErr = errors.New("upstream unavailable")
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/weather/Oslo", nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
	w := httptest.NewRecorder()

	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetCityWeather() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := decodeErrorCode(t, w); code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("Error code = %q, want UPSTREAM_UNAVAILABLE", code)
	}
}

// TestHandler_GetLocation verifies GET /location returns the tracker snapshot.
func TestHandler_GetLocation(t *testing.T) {
	ctrl := newMockController()
	ctrl.state.Location = geoloc.Snapshot{
		Location: &models.Coordinates{Latitude: 59.9139, Longitude: 10.7522, Accuracy: 40},
		Valid:    true,
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/location", nil)
	w := httptest.NewRecorder()

	handler.GetLocation(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetLocation() status = %d, want %d", w.Code, http.StatusOK)
	}
	var snap geoloc.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if snap.Location == nil || snap.Location.Latitude != 59.9139 || !snap.Valid {
		t.Errorf("Snapshot = %+v, want valid Oslo fix", snap)
	}
}

// TestHandler_PostLocationRefresh verifies POST /location/refresh restarts
// acquisition asynchronously.
func TestHandler_PostLocationRefresh(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("POST", "/location/refresh", nil)
	w := httptest.NewRecorder()

	handler.PostLocationRefresh(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("PostLocationRefresh() status = %d, want %d", w.Code, http.StatusAccepted)
	}
	select {
	case <-ctrl.locationRefreshed:
	case <-time.After(2 * time.Second):
		t.Error("RefreshLocation never called")
	}
}

// TestHandler_PostPrecision verifies POST /location/precision toggles the
// tracker mode.
func TestHandler_PostPrecision(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("POST", "/location/precision", strings.NewReader(`{"highPrecision": false}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.PostPrecision(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("PostPrecision() status = %d, want %d", w.Code, http.StatusAccepted)
	}
	select {
	case high := <-ctrl.precisionSet:
		if high {
			t.Error("SetHighPrecision called with true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Error("SetHighPrecision never called")
	}
}

// TestHandler_PostPrecision_InvalidBody verifies a missing flag maps to 400.
func TestHandler_PostPrecision_InvalidBody(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	for _, body := range []string{`{}`, `not json`} {
		req := httptest.NewRequest("POST", "/location/precision", strings.NewReader(body))
		req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
		w := httptest.NewRecorder()

		handler.PostPrecision(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("PostPrecision(%q) status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

// TestHandler_PutUnits verifies PUT /units switches the measurement system.
func TestHandler_PutUnits(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("PUT", "/units", strings.NewReader(`{"units": "imperial"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.PutUnits(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("PutUnits() status = %d, want %d", w.Code, http.StatusOK)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.unitsSet) != 1 || ctrl.unitsSet[0] != models.UnitsImperial {
		t.Errorf("SetUnits calls = %v, want [imperial]", ctrl.unitsSet)
	}
}

// TestHandler_PutUnits_Invalid verifies unknown units map to 400.
func TestHandler_PutUnits_Invalid(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("PUT", "/units", strings.NewReader(`{"units": "kelvin"}`))
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "test-id"))
	w := httptest.NewRecorder()

	handler.PutUnits(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("PutUnits() status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != "INVALID_UNITS" {
		t.Errorf("Error code = %q, want INVALID_UNITS", code)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if len(ctrl.unitsSet) != 0 {
		t.Errorf("SetUnits calls = %v, want none", ctrl.unitsSet)
	}
}

// TestHandler_PostRefresh verifies POST /refresh forces a weather refetch.
func TestHandler_PostRefresh(t *testing.T) {
	ctrl := newMockController()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)

	req := httptest.NewRequest("POST", "/refresh", nil)
	w := httptest.NewRecorder()

	handler.PostRefresh(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("PostRefresh() status = %d, want %d", w.Code, http.StatusAccepted)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.refreshes != 1 {
		t.Errorf("Refresh calls = %d, want 1", ctrl.refreshes)
	}
}

// TestHandler_GetHealth verifies 200 OK with healthy status when all
// dependencies are operational.
func TestHandler_GetHealth(t *testing.T) {
	traffic.Reset()
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusOK)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Health status = %q, want healthy", health["status"])
	}
	if health["service"] != "skycast" {
		t.Errorf("Health service = %q, want skycast", health["service"])
	}
	checks, ok := health["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Health checks missing")
	}
	if checks["weatherApi"] != "healthy" {
		t.Errorf("WeatherApi check = %q, want healthy", checks["weatherApi"])
	}
}

// TestHandler_GetHealth_InvalidAPIKey verifies degraded status when API key
// validation fails.
func TestHandler_GetHealth_InvalidAPIKey(t *testing.T) {
	traffic.Reset()
	logger, _ := zap.NewDevelopment()
	validator := &mockValidator{err: errors.New("invalid API key")}
	handler := NewHandler(context.Background(), newMockController(), validator, nil, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "degraded" {
		t.Errorf("Health status = %q, want degraded", health["status"])
	}
	checks, ok := health["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Health checks missing")
	}
	if checks["weatherApi"] != "unhealthy" {
		t.Errorf("WeatherApi check = %q, want unhealthy", checks["weatherApi"])
	}
}

// TestHandler_GetHealth_ShuttingDown verifies shutting-down status during
// shutdown.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetShuttingDown(true)
	defer lifecycle.SetShuttingDown(false)

	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, nil, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "shutting-down" {
		t.Errorf("Health status = %q, want shutting-down", health["status"])
	}
}

// TestHandler_GetHealth_Overloaded verifies overloaded status when rate limit
// denials exceed the allowed share of capacity.
func TestHandler_GetHealth_Overloaded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	traffic.RecordDenied()
	traffic.RecordDenied()
	traffic.RecordDenied()

	healthConfig := &HealthConfig{
		Window:       1 * time.Second,
		ErrorPct:     40,
		RateLimitRPS: 2,
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, healthConfig, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "overloaded" {
		t.Errorf("Health status = %q, want overloaded", health["status"])
	}
}

// TestHandler_GetHealth_DegradedErrorRate verifies degraded status when the
// upstream error rate breaches the threshold.
func TestHandler_GetHealth_DegradedErrorRate(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	traffic.RecordError()
	traffic.RecordError()
	traffic.RecordSuccess()

	healthConfig := &HealthConfig{
		Window:   1 * time.Minute,
		ErrorPct: 50,
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, healthConfig, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "degraded" {
		t.Errorf("Health status = %q, want degraded", health["status"])
	}
}

// TestHandler_GetHealth_NotDegraded_BelowErrorThreshold verifies healthy
// status when the error rate is under the threshold.
func TestHandler_GetHealth_NotDegraded_BelowErrorThreshold(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	traffic.RecordSuccess()
	traffic.RecordSuccess()
	traffic.RecordError()

	healthConfig := &HealthConfig{
		Window:   1 * time.Minute,
		ErrorPct: 50,
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, healthConfig, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GetHealth() status = %d, want %d", w.Code, http.StatusOK)
	}
	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Health status = %q, want healthy (error rate below threshold)", health["status"])
	}
}

// TestHandler_GetHealth_CacheCheck verifies the cache ping result lands in the
// checks map.
func TestHandler_GetHealth_CacheCheck(t *testing.T) {
	traffic.Reset()
	healthConfig := &HealthConfig{
		Window:    1 * time.Minute,
		ErrorPct:  50,
		CachePing: func() error { return errors.New("memcached unreachable") },
	}
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, healthConfig, logger)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.GetHealth(w, req)

	var health map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	checks, ok := health["checks"].(map[string]interface{})
	if !ok {
		t.Fatal("Health checks missing")
	}
	if checks["cache"] != "unhealthy" {
		t.Errorf("Cache check = %q, want unhealthy", checks["cache"])
	}
}

// TestHandler_GetHealth_LogsTransition verifies status transitions are logged
// once, not on every call.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	healthConfig := &HealthConfig{
		Window:   1 * time.Minute,
		ErrorPct: 50,
	}
	handler := NewHandler(context.Background(), newMockController(), &mockValidator{}, healthConfig, logger)

	// First call: healthy. Establishes previous status.
	traffic.RecordSuccess()
	traffic.RecordSuccess()
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.GetHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("first GetHealth status = %d, want 200", w.Code)
	}
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	// Breach the threshold (66% > 50%) and call again.
	traffic.RecordError()
	traffic.RecordError()
	traffic.RecordError()
	traffic.RecordError()

	w2 := httptest.NewRecorder()
	handler.GetHealth(w2, req)

	if w2.Code != http.StatusServiceUnavailable {
		t.Fatalf("second GetHealth status = %d, want 503", w2.Code)
	}
	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	var prev, curr, reason string
	for _, f := range entries[0].Context {
		switch f.Key {
		case "previous_status":
			prev = f.String
		case "current_status":
			curr = f.String
		case "reason":
			reason = f.String
		}
	}
	if prev != "healthy" {
		t.Errorf("previous_status = %q, want healthy", prev)
	}
	if curr != "degraded" {
		t.Errorf("current_status = %q, want degraded", curr)
	}
	if reason != "error_rate_breach" {
		t.Errorf("reason = %q, want error_rate_breach", reason)
	}

	// Third call: still degraded, no new log.
	w3 := httptest.NewRecorder()
	handler.GetHealth(w3, req)
	if logs.Len() != 1 {
		t.Errorf("third call (status unchanged) should not log; total logs = %d, want 1", logs.Len())
	}
}
