// Package app coordinates the location tracker and the weather service into
// one observable application state: the current units, the latest weather
// bundle, and the tracker's location snapshot.
package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/geoloc"
	"github.com/rgustavsen/skycast/internal/models"
)

// LocationSource is the tracker surface the controller consumes.
type LocationSource interface {
	Subscribe(fn func(geoloc.Snapshot)) func()
	Snapshot() geoloc.Snapshot
	Refresh(ctx context.Context)
	SetHighPrecision(ctx context.Context, high bool)
}

// WeatherFetcher is the weather service surface the controller consumes.
type WeatherFetcher interface {
	Fetch(ctx context.Context, loc *models.Coordinates, locValid bool, units models.Units, force bool) (models.WeatherBundle, error)
	FetchCity(ctx context.Context, city string, units models.Units, force bool) (models.WeatherBundle, error)
}

// State is the controller's observable state.
type State struct {
	Weather  *models.WeatherBundle `json:"weather,omitempty"`
	Units    models.Units          `json:"units"`
	Loading  bool                  `json:"loading"`
	Err      string                `json:"error,omitempty"`
	Location geoloc.Snapshot       `json:"location"`
}

// Controller subscribes to location snapshots and keeps the weather bundle in
// step with them. Every fetch carries a generation counter; results from
// superseded fetches are discarded, so a units change or manual refresh never
// races an in-flight location fetch.
type Controller struct {
	tracker LocationSource
	weather WeatherFetcher
	logger  *zap.Logger

	mu         sync.Mutex
	ctx        context.Context
	units      models.Units
	bundle     *models.WeatherBundle
	loading    bool
	errMsg     string
	snap       geoloc.Snapshot
	haveSnap   bool
	generation uint64

	unsubscribe func()

	subsMu    sync.Mutex
	subs      map[int]func(State)
	nextSubID int
}

// NewController creates a Controller with the given default units.
func NewController(tracker LocationSource, weather WeatherFetcher, units models.Units, logger *zap.Logger) *Controller {
	return &Controller{
		tracker: tracker,
		weather: weather,
		logger:  logger,
		units:   units,
		loading: true,
		subs:    make(map[int]func(State)),
	}
}

// Start subscribes to the tracker. ctx bounds all background fetches the
// controller starts; cancel it before Stop on shutdown.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.unsubscribe = c.tracker.Subscribe(c.onSnapshot)
	c.onSnapshot(c.tracker.Snapshot())
}

// Stop unsubscribes from the tracker. Idempotent.
func (c *Controller) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}

// Subscribe registers fn to receive every state change. The returned function
// unsubscribes.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

// State returns the current observable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{
		Units:    c.units,
		Loading:  c.loading,
		Err:      c.errMsg,
		Location: c.snap,
	}
	if c.bundle != nil {
		b := *c.bundle
		s.Weather = &b
	}
	return s
}

func (c *Controller) notify() {
	c.mu.Lock()
	s := c.stateLocked()
	c.mu.Unlock()

	c.subsMu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// onSnapshot reacts to a tracker state change. A fetch starts only when the
// published location or its validity actually moved; tracker-internal churn
// (loading flags, suppressed errors) updates the state without touching the
// network.
func (c *Controller) onSnapshot(snap geoloc.Snapshot) {
	c.mu.Lock()
	changed := !c.haveSnap || locationChanged(c.snap, snap)
	c.snap = snap
	c.haveSnap = true
	c.mu.Unlock()

	if snap.Loading {
		c.notify()
		return
	}
	if !changed {
		c.notify()
		return
	}
	c.refetch(false)
}

func locationChanged(prev, next geoloc.Snapshot) bool {
	if prev.Valid != next.Valid {
		return true
	}
	if (prev.Location == nil) != (next.Location == nil) {
		return true
	}
	if prev.Location == nil {
		return false
	}
	return prev.Location.Latitude != next.Location.Latitude ||
		prev.Location.Longitude != next.Location.Longitude
}

// refetch starts a generation-stamped background fetch for the current
// location and units.
func (c *Controller) refetch(force bool) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.loading = true
	ctx := c.ctx
	units := c.units
	snap := c.snap
	c.mu.Unlock()
	c.notify()

	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		bundle, err := c.weather.Fetch(ctx, snap.Location, snap.Valid, units, force)

		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.loading = false
		if err != nil {
			c.errMsg = err.Error()
			c.logger.Warn("weather fetch failed", zap.Error(err))
		} else {
			b := bundle
			c.bundle = &b
			c.errMsg = ""
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// SetUnits switches the measurement system and refetches once, bypassing the
// cache so the served bundle reflects the new units immediately. A no-op when
// the units are unchanged.
func (c *Controller) SetUnits(units models.Units) {
	c.mu.Lock()
	if c.units == units {
		c.mu.Unlock()
		return
	}
	c.units = units
	c.mu.Unlock()
	c.refetch(true)
}

// Units reports the current measurement system.
func (c *Controller) Units() models.Units {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units
}

// Refresh forces a fresh weather fetch for the current location.
func (c *Controller) Refresh() {
	c.refetch(true)
}

// RefreshLocation restarts location acquisition; the resulting snapshot
// triggers a weather fetch if the fix moved.
func (c *Controller) RefreshLocation(ctx context.Context) {
	c.tracker.Refresh(ctx)
}

// SetHighPrecision toggles the tracker's precision mode.
func (c *Controller) SetHighPrecision(ctx context.Context, high bool) {
	c.tracker.SetHighPrecision(ctx, high)
}

// CityWeather fetches the bundle for a named city in the controller's current
// units, without touching tracked state.
func (c *Controller) CityWeather(ctx context.Context, city string) (models.WeatherBundle, error) {
	return c.weather.FetchCity(ctx, city, c.Units(), false)
}
