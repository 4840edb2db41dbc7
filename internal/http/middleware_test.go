package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rgustavsen/skycast/internal/app"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/traffic"
)

func middlewareTestHandler(t *testing.T, ctrl *mockController) *Handler {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewHandler(context.Background(), ctrl, &mockValidator{}, nil, logger)
}

func TestMiddleware_ThroughHandler(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{Weather: models.CurrentConditions{Name: "Oslo"}},
		Units:   models.UnitsMetric,
	}
	handler := middlewareTestHandler(t, ctrl)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/weather", handler.GetWeather)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	handler := middlewareTestHandler(t, newMockController())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/weather", handler.GetWeather)

	req := httptest.NewRequest("GET", "/weather", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMiddleware_MetricsRecordsNonOK(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{Units: models.UnitsMetric, Err: "upstream down"}
	handler := middlewareTestHandler(t, ctrl)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/weather", handler.GetWeather)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestMiddleware_HealthThroughChain(t *testing.T) {
	traffic.Reset()
	handler := middlewareTestHandler(t, newMockController())

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	ctrl := newMockController()
	ctrl.cityBlock = make(chan struct{})
	defer close(ctrl.cityBlock)
	handler := middlewareTestHandler(t, ctrl)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/weather/{city}", handler.GetCityWeather)

	req := httptest.NewRequest("GET", "/weather/Oslo", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d (timeout should cause upstream error)", w.Code, http.StatusServiceUnavailable)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{Weather: models.CurrentConditions{Name: "Oslo"}},
		Units:   models.UnitsMetric,
	}
	handler := middlewareTestHandler(t, ctrl)

	limiter := rate.NewLimiter(1, 2)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/weather", handler.GetWeather)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/weather", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
		} else {
			if w.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: status = %d, want 429", i, w.Code)
			}
			var errResp struct {
				Error struct {
					Code      string `json:"code"`
					Message   string `json:"message"`
					RequestID string `json:"requestId"`
				} `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode 429 response: %v", err)
			}
			if errResp.Error.Code != "RATE_LIMITED" {
				t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
			}
		}
	}

	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount = %d, want 1 recorded denial", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{Weather: models.CurrentConditions{Name: "Oslo"}},
		Units:   models.UnitsMetric,
	}
	handler := middlewareTestHandler(t, ctrl)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/weather", handler.GetWeather)

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (nil limiter should allow)", w.Code)
	}
}

func TestMiddleware_GetRouteDefaultPath(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/foo", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/foo", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Handle("/metrics", observability.MetricsHandler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestSubrouter_APIRoutesWithTimeoutAndRateLimit(t *testing.T) {
	ctrl := newMockController()
	ctrl.state = app.State{
		Weather: &models.WeatherBundle{Weather: models.CurrentConditions{Name: "Oslo"}},
		Units:   models.UnitsMetric,
	}
	ctrl.cityBundle = models.WeatherBundle{Weather: models.CurrentConditions{Name: "Bergen"}}
	handler := middlewareTestHandler(t, ctrl)

	limiter := rate.NewLimiter(10, 10)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(limiter))
	api.Use(TimeoutMiddleware(5 * time.Second))
	api.HandleFunc("/weather", handler.GetWeather).Methods("GET")
	api.HandleFunc("/weather/{city}", handler.GetCityWeather).Methods("GET")

	req := httptest.NewRequest("GET", "/weather", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("GET /weather status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest("GET", "/weather/Bergen", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("GET /weather/Bergen status = %d, want 200", w.Code)
	}
}
