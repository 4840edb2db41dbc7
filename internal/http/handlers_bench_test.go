package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rgustavsen/skycast/internal/app"
	"github.com/rgustavsen/skycast/internal/models"
)

func setupBenchmarkHandler() *Handler {
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{Weather: models.CurrentConditions{Name: "Oslo", Temperature: 4.2}},
		Units:   models.UnitsMetric,
	}
	ctrl.cityBundle = models.WeatherBundle{Weather: models.CurrentConditions{Name: "Bergen", Temperature: 8.1}}
	logger := zap.NewNop()
	return NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)
}

func createBenchmarkRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(context.WithValue(req.Context(), "correlation_id", "bench-id"))
	req = req.WithContext(context.WithValue(req.Context(), "logger", zap.NewNop()))
	return req
}

func BenchmarkHandler_GetWeather(b *testing.B) {
	handler := setupBenchmarkHandler()
	router := mux.NewRouter()
	router.HandleFunc("/weather", handler.GetWeather)

	req := createBenchmarkRequest("GET", "/weather")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetCityWeather(b *testing.B) {
	handler := setupBenchmarkHandler()
	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)

	req := createBenchmarkRequest("GET", "/weather/Bergen")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetCityWeather_ValidationError(b *testing.B) {
	handler := setupBenchmarkHandler()
	router := mux.NewRouter()
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)

	req := createBenchmarkRequest("GET", "/weather/os%25lo")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetWeather_RateLimited(b *testing.B) {
	handler := setupBenchmarkHandler()
	limiter := rate.NewLimiter(rate.Limit(100), 250)

	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/weather", handler.GetWeather)

	req := createBenchmarkRequest("GET", "/weather")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

func BenchmarkHandler_GetHealth(b *testing.B) {
	handler := setupBenchmarkHandler()
	router := mux.NewRouter()
	router.HandleFunc("/health", handler.GetHealth)

	req := createBenchmarkRequest("GET", "/health")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
