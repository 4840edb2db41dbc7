package geoloc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/trust"
)

// Fixed user-facing messages for acquisition failures.
const (
	msgUnsupported         = "Geolocation is not supported in this environment."
	msgPermissionDenied    = "Location access was denied. Please enable location permissions and try again."
	msgPositionUnavailable = "Unable to determine your location. Please check if location services are enabled on your device and try again."
	msgTimeout             = "Location request timed out. Please check your connection and try again."
	msgUnknown             = "An unknown error occurred while getting your location."
)

// messageForError maps a categorized provider error to its fixed message.
func messageForError(perr *PositionError) string {
	if perr == nil {
		return msgUnknown
	}
	switch perr.Code {
	case CodeUnsupported:
		return msgUnsupported
	case CodePermissionDenied:
		return msgPermissionDenied
	case CodePositionUnavailable:
		return msgPositionUnavailable
	case CodeTimeout:
		return msgTimeout
	default:
		return msgUnknown
	}
}

// TrackerConfig holds acquisition timeouts and history bounds.
type TrackerConfig struct {
	QuickFixTimeout time.Duration // application-level race timeout for the quick fix
	QuickFixMaxAge  time.Duration
	PreciseTimeout  time.Duration // device-level timeout for the precise refinement
	PreciseMaxAge   time.Duration
	WatchTimeout    time.Duration
	WatchMaxAge     time.Duration
	HistorySize     int
}

// DefaultTrackerConfig returns the standard acquisition timings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		QuickFixTimeout: 5 * time.Second,
		QuickFixMaxAge:  5 * time.Minute,
		PreciseTimeout:  15 * time.Second,
		PreciseMaxAge:   time.Minute,
		WatchTimeout:    15 * time.Second,
		WatchMaxAge:     time.Minute,
		HistorySize:     5,
	}
}

// Snapshot is the tracker's observable state.
type Snapshot struct {
	Location          *models.Coordinates `json:"location"`
	Valid             bool                `json:"isLocationValid"`
	ValidationMessage string              `json:"validationMessage,omitempty"`
	Loading           bool                `json:"loading"`
	Err               string              `json:"error,omitempty"`
	HighPrecision     bool                `json:"highPrecision"`
}

// Tracker is the location acquisition state machine. It owns the continuous
// watch, quick-fix-then-refine acquisition, and precision toggling, runs
// every reading through the trust evaluator, and publishes the validated
// location to subscribers. All async results carry the generation counter of
// the session that started them; results from superseded sessions are
// discarded.
type Tracker struct {
	provider  Provider
	evaluator *trust.Evaluator
	cfg       TrackerConfig
	logger    *zap.Logger

	mu            sync.Mutex
	highPrecision bool
	loading       bool
	errMsg        string
	location      *models.Coordinates
	valid         bool
	validationMsg string
	history       []models.Coordinates
	watch         Watch
	generation    uint64

	subsMu    sync.Mutex
	subs      map[int]func(Snapshot)
	nextSubID int
}

// NewTracker returns a Tracker starting in the given precision mode.
func NewTracker(provider Provider, evaluator *trust.Evaluator, cfg TrackerConfig, highPrecision bool, logger *zap.Logger) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 5
	}
	return &Tracker{
		provider:      provider,
		evaluator:     evaluator,
		cfg:           cfg,
		logger:        logger,
		highPrecision: highPrecision,
		loading:       true,
		subs:          make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn to receive every state change. The returned
// function unsubscribes.
func (t *Tracker) Subscribe(fn func(Snapshot)) func() {
	t.subsMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subs[id] = fn
	t.subsMu.Unlock()
	return func() {
		t.subsMu.Lock()
		delete(t.subs, id)
		t.subsMu.Unlock()
	}
}

// Snapshot returns the current observable state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{
		Valid:             t.valid,
		ValidationMessage: t.validationMsg,
		Loading:           t.loading,
		Err:               t.errMsg,
		HighPrecision:     t.highPrecision,
	}
	if t.location != nil {
		loc := *t.location
		s.Location = &loc
	}
	return s
}

func (t *Tracker) notify() {
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.subsMu.Lock()
	fns := make([]func(Snapshot), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// Start begins a tracking session: tears down any prior watch, revalidates a
// held location in place, runs the capability diagnostic, requests a quick
// fix (refined in the background in high-precision mode), and installs the
// continuous watch. Blocking work happens inline; call from a goroutine when
// the caller must not wait.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	t.clearWatchLocked()
	var held *models.Coordinates
	if t.location != nil {
		loc := *t.location
		held = &loc
	}
	// No loading flash when only the precision mode changed and a location
	// is already held.
	if held == nil {
		t.loading = true
	}
	t.errMsg = ""
	high := t.highPrecision
	history := t.historyLocked()
	t.mu.Unlock()
	t.notify()

	if held != nil {
		t.revalidateHeld(gen, *held, high, history)
	}

	diag := RunDiagnostic(ctx, t.provider, t.cfg.QuickFixTimeout)
	switch {
	case !diag.Supported:
		t.failStart(gen, held, msgUnsupported)
		return
	case diag.Permission == PermissionDenied:
		observability.GeolocationErrorsTotal.WithLabelValues("permission_denied").Inc()
		t.failStart(gen, held, msgPermissionDenied)
		return
	case !diag.TestOK:
		t.failStart(gen, held, messageForError(diag.TestError))
		return
	}

	quickCtx, cancel := context.WithTimeout(ctx, t.cfg.QuickFixTimeout)
	reading, err := t.provider.CurrentPosition(quickCtx, Options{
		HighAccuracy: false,
		Timeout:      t.cfg.QuickFixTimeout,
		MaximumAge:   t.cfg.QuickFixMaxAge,
	})
	cancel()
	if err != nil {
		t.logger.Debug("quick fix failed", zap.Error(err))
		if held != nil {
			t.setLoadingDone(gen)
		} else {
			t.publishError(gen, positionErrorMessage(err))
		}
	} else {
		t.processReading(gen, reading)
		if high {
			go t.refinePosition(ctx, gen, reading.Accuracy)
		}
	}

	t.installWatch(ctx, gen, high)
}

// revalidateHeld re-runs the trust pipeline over an already-published
// location, e.g. after a precision toggle, without discarding it.
func (t *Tracker) revalidateHeld(gen uint64, held models.Coordinates, high bool, history []models.Coordinates) {
	v := t.evaluator.Evaluate(held, high, history)
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	if v.IsValid || !high {
		t.valid = true
		t.validationMsg = ""
		t.loading = false
		t.errMsg = ""
	} else {
		t.valid = false
		t.validationMsg = v.Message
	}
	t.mu.Unlock()
	t.notify()
}

// failStart handles a terminal diagnostic failure. A held location takes
// priority over surfacing the error: loading clears and the session degrades
// to last-known-good instead of failing hard.
func (t *Tracker) failStart(gen uint64, held *models.Coordinates, msg string) {
	if held != nil {
		t.setLoadingDone(gen)
		return
	}
	t.publishError(gen, msg)
}

func (t *Tracker) setLoadingDone(gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.loading = false
	t.errMsg = ""
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) publishError(gen uint64, msg string) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.errMsg = msg
	t.loading = false
	t.mu.Unlock()
	t.notify()
}

// processReading validates one delivered reading and publishes or clears the
// location accordingly. A rejected reading does not stop the watch; it only
// gates downstream consumers.
func (t *Tracker) processReading(gen uint64, r models.Coordinates) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.history = append(t.history, r)
	if len(t.history) > t.cfg.HistorySize {
		t.history = t.history[1:]
	}
	history := t.historyLocked()
	high := t.highPrecision
	t.mu.Unlock()

	v := t.evaluator.Evaluate(r, high, history)

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	if v.IsValid {
		loc := r
		t.location = &loc
		t.valid = true
		t.validationMsg = ""
		t.loading = false
		t.errMsg = ""
		observability.GeolocationReadingsTotal.WithLabelValues("accepted").Inc()
	} else {
		t.location = nil
		t.valid = false
		t.validationMsg = v.Message
		t.errMsg = v.Message
		t.loading = false
		observability.GeolocationReadingsTotal.WithLabelValues("rejected").Inc()
	}
	t.mu.Unlock()
	t.notify()
}

// refinePosition requests a high-accuracy fix in the background. It
// supersedes the quick fix only when strictly more accurate; failures are
// logged, never surfaced.
func (t *Tracker) refinePosition(ctx context.Context, gen uint64, quickAccuracy float64) {
	reading, err := t.provider.CurrentPosition(ctx, Options{
		HighAccuracy: true,
		Timeout:      t.cfg.PreciseTimeout,
		MaximumAge:   t.cfg.PreciseMaxAge,
	})
	if err != nil {
		t.logger.Debug("precise refinement failed", zap.Error(err))
		return
	}
	if reading.Accuracy < quickAccuracy {
		t.processReading(gen, reading)
	}
}

func (t *Tracker) installWatch(ctx context.Context, gen uint64, high bool) {
	w, err := t.provider.WatchPosition(ctx, Options{
		HighAccuracy: high,
		Timeout:      t.cfg.WatchTimeout,
		MaximumAge:   t.cfg.WatchMaxAge,
	}, func(r models.Coordinates, perr *PositionError) {
		if perr != nil {
			t.handlePositionError(gen, perr)
			return
		}
		t.processReading(gen, r)
	})
	if err != nil {
		t.logger.Warn("watch setup failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		w.Clear()
		return
	}
	t.watch = w
	t.mu.Unlock()
}

// handlePositionError maps a watch-delivered error to state. A held location
// suppresses the message: last-known-good takes priority over surfacing
// transient failures.
func (t *Tracker) handlePositionError(gen uint64, perr *PositionError) {
	observability.GeolocationErrorsTotal.WithLabelValues(errorLabel(perr)).Inc()
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	if t.location != nil {
		t.loading = false
		t.mu.Unlock()
		t.logger.Debug("watch error suppressed by held location", zap.String("message", perr.Message))
		t.notify()
		return
	}
	t.errMsg = messageForError(perr)
	t.loading = false
	t.mu.Unlock()
	t.notify()
}

// Stop tears down the active watch, if any. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.clearWatchLocked()
	t.mu.Unlock()
}

func (t *Tracker) clearWatchLocked() {
	if t.watch != nil {
		t.watch.Clear()
		t.watch = nil
	}
}

// SetHighPrecision swaps the precision mode and re-enters the start
// sequence. A held location that the new mode's rules still accept is
// preserved across the toggle.
func (t *Tracker) SetHighPrecision(ctx context.Context, high bool) {
	t.mu.Lock()
	if t.highPrecision == high {
		t.mu.Unlock()
		return
	}
	t.highPrecision = high
	t.mu.Unlock()

	t.Stop()
	t.Start(ctx)
}

// Refresh restarts acquisition for the current mode.
func (t *Tracker) Refresh(ctx context.Context) {
	t.mu.Lock()
	t.loading = true
	t.errMsg = ""
	t.mu.Unlock()
	t.Start(ctx)
}

// HighPrecision reports the current precision mode.
func (t *Tracker) HighPrecision() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highPrecision
}

func (t *Tracker) historyLocked() []models.Coordinates {
	out := make([]models.Coordinates, len(t.history))
	copy(out, t.history)
	return out
}

func positionErrorMessage(err error) string {
	if perr, ok := err.(*PositionError); ok {
		return messageForError(perr)
	}
	return msgUnknown
}

func errorLabel(perr *PositionError) string {
	switch perr.Code {
	case CodePermissionDenied:
		return "permission_denied"
	case CodePositionUnavailable:
		return "position_unavailable"
	case CodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}
