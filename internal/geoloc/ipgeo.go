package geoloc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/models"
)

// IPGeoProvider implements Provider against an IP-geolocation HTTP endpoint
// (ip-api style JSON). IP fixes are inherently coarse, so every reading
// carries a configured synthetic accuracy estimate; continuous watching is
// emulated by polling.
type IPGeoProvider struct {
	url          string
	accuracyM    float64
	pollInterval time.Duration
	client       *http.Client
	logger       *zap.Logger
}

// NewIPGeoProvider returns a provider polling the given endpoint.
// accuracyM is the synthetic accuracy reported for each fix (meters);
// pollInterval is the watch emulation period.
func NewIPGeoProvider(url string, accuracyM float64, pollInterval time.Duration, timeout time.Duration, logger *zap.Logger) *IPGeoProvider {
	if accuracyM <= 0 {
		accuracyM = 25000
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &IPGeoProvider{
		url:          url,
		accuracyM:    accuracyM,
		pollInterval: pollInterval,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (p *IPGeoProvider) Supported() bool {
	return p.url != ""
}

// Permission always reports granted: IP-based lookup needs no user consent
// prompt. Endpoint-side denials surface as position errors instead.
func (p *IPGeoProvider) Permission(ctx context.Context) Permission {
	return PermissionGranted
}

// ipGeoResponse accepts both ip-api.com and ipapi.co field spellings.
type ipGeoResponse struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Status    string   `json:"status"`
	Message   string   `json:"message"`
}

func (p *IPGeoProvider) CurrentPosition(ctx context.Context, opts Options) (models.Coordinates, error) {
	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.url, nil)
	if err != nil {
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Coordinates{}, &PositionError{Code: CodeTimeout, Message: "position request timed out"}
		}
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return models.Coordinates{}, &PositionError{Code: CodePermissionDenied, Message: fmt.Sprintf("endpoint refused lookup: HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: err.Error()}
	}
	var out ipGeoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: "malformed geolocation response"}
	}
	if out.Status != "" && out.Status != "success" {
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: out.Message}
	}

	lat, lon, ok := out.coords()
	if !ok {
		return models.Coordinates{}, &PositionError{Code: CodePositionUnavailable, Message: "geolocation response missing coordinates"}
	}
	return models.Coordinates{
		Latitude:  lat,
		Longitude: lon,
		Accuracy:  p.accuracyM,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

func (r ipGeoResponse) coords() (lat, lon float64, ok bool) {
	switch {
	case r.Lat != nil && r.Lon != nil:
		return *r.Lat, *r.Lon, true
	case r.Latitude != nil && r.Longitude != nil:
		return *r.Latitude, *r.Longitude, true
	}
	return 0, 0, false
}

// pollWatch implements Watch for the polling emulation.
type pollWatch struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (w *pollWatch) Clear() {
	w.once.Do(w.cancel)
}

// WatchPosition polls CurrentPosition on the provider's interval, delivering
// each fix or error to fn until the watch is cleared or ctx ends.
func (p *IPGeoProvider) WatchPosition(ctx context.Context, opts Options, fn func(models.Coordinates, *PositionError)) (Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &pollWatch{cancel: cancel}

	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
			}
			reading, err := p.CurrentPosition(watchCtx, opts)
			if watchCtx.Err() != nil {
				return
			}
			if err != nil {
				var perr *PositionError
				if !errors.As(err, &perr) {
					perr = &PositionError{Code: CodePositionUnavailable, Message: err.Error()}
				}
				p.logger.Debug("watch poll failed", zap.Error(err))
				fn(models.Coordinates{}, perr)
				continue
			}
			fn(reading, nil)
		}
	}()
	return w, nil
}
