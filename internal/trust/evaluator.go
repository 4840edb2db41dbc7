// Package trust decides whether a geolocation reading is trustworthy enough
// to drive weather lookups. Independent heuristic signals each contribute a
// fixed weight to a suspicion score; crossing the threshold yields an invalid
// verdict with a human-readable explanation. The signals are anti-spoofing
// heuristics, not a security boundary.
package trust

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/fingerprint"
	"github.com/rgustavsen/skycast/internal/geo"
	"github.com/rgustavsen/skycast/internal/localstore"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
	"github.com/rgustavsen/skycast/internal/temporal"
)

// Local store keys for cross-reading bookkeeping.
const (
	keyPrevLatitude   = "prev_latitude"
	keyPrevLongitude  = "prev_longitude"
	keyIdenticalCount = "identical_readings_count"
)

// retryHint is appended to every invalid-verdict message.
const retryHint = " If you believe this is an error, please try again in a moment."

// Config holds the heuristic tuning constants. The values are taken as given
// from field experience; treat them as configuration, not derived constants.
type Config struct {
	HighAccuracyMaxMeters float64 // accuracy gate in high-precision mode
	LowAccuracyMaxMeters  float64 // accuracy gate in low-precision mode
	MaxJumpKm             float64 // teleportation threshold between fixes
	MaxIdenticalReadings  int     // consecutive identical fixes tolerated
	InvalidThreshold      int     // suspicion score at which a reading is rejected

	CoordinateWeight  int
	TimezoneWeight    int
	FingerprintWeight int
	TimestampWeight   int
}

// DefaultConfig returns the standard thresholds and signal weights.
func DefaultConfig() Config {
	return Config{
		HighAccuracyMaxMeters: 90,
		LowAccuracyMaxMeters:  500,
		MaxJumpKm:             200,
		MaxIdenticalReadings:  2,
		InvalidThreshold:      10,
		CoordinateWeight:      5,
		TimezoneWeight:        5,
		FingerprintWeight:     10,
		TimestampWeight:       4,
	}
}

// Evaluator combines the fingerprint, temporal, and coordinate-plausibility
// checks into a single trust verdict.
type Evaluator struct {
	cfg         Config
	fingerprint *fingerprint.Engine
	temporal    *temporal.Checker
	store       localstore.Store
	logger      *zap.Logger
	signals     []signal
}

// evalInput carries the reading under evaluation through the rule table.
type evalInput struct {
	reading models.Coordinates
	history []models.Coordinates
}

// signal is one independently testable heuristic: a tagged predicate with a
// fixed weight and the reason reported when it fires.
type signal struct {
	name      string
	weight    int
	reason    string
	triggered func(in *evalInput) bool
}

// NewEvaluator returns an Evaluator. store persists the previous-fix and
// identical-streak bookkeeping across readings.
func NewEvaluator(cfg Config, fp *fingerprint.Engine, tc *temporal.Checker, store localstore.Store, logger *zap.Logger) *Evaluator {
	e := &Evaluator{
		cfg:         cfg,
		fingerprint: fp,
		temporal:    tc,
		store:       store,
		logger:      logger,
	}
	// Order matters: the first triggered signal's reason wins.
	e.signals = []signal{
		{
			name:      "coordinate_pattern",
			weight:    cfg.CoordinateWeight,
			reason:    "Your location data appears unusual. Please ensure your GPS is functioning properly.",
			triggered: e.coordinatePatternSuspicious,
		},
		{
			name:      "timezone",
			weight:    cfg.TimezoneWeight,
			reason:    "Your device timezone doesn't match your location region. Please check your settings.",
			triggered: func(*evalInput) bool { return e.temporal.TimezoneInconsistent() },
		},
		{
			name:      "fingerprint",
			weight:    cfg.FingerprintWeight,
			reason:    "Device fingerprint has changed significantly. Please restart the application.",
			triggered: e.fingerprintInconsistent,
		},
		{
			name:      "timestamp",
			weight:    cfg.TimestampWeight,
			reason:    "Location timestamp is inconsistent with system time. Location data may be compromised.",
			triggered: func(in *evalInput) bool { return e.temporal.TimestampStale(in.reading.Timestamp) },
		},
	}
	return e
}

// Evaluate runs the full trust pipeline over a reading. history is the
// bounded list of recent readings, most recent last, including the reading
// itself when the caller has already appended it.
func (e *Evaluator) Evaluate(reading models.Coordinates, highPrecision bool, history []models.Coordinates) models.TrustVerdict {
	threshold := e.cfg.LowAccuracyMaxMeters
	if highPrecision {
		threshold = e.cfg.HighAccuracyMaxMeters
	}

	// Accuracy gate. In low-precision mode a coarse fix alone is tolerated.
	if reading.Accuracy > threshold && highPrecision {
		verdict := models.TrustVerdict{
			IsValid: false,
			Message: fmt.Sprintf("Location accuracy is too low (%.0fm > %.0fm). Please enable high-precision location.",
				reading.Accuracy, threshold),
		}
		e.record(verdict, "accuracy")
		return verdict
	}

	// Low-precision sessions trade verification rigor for availability.
	if !highPrecision {
		verdict := models.TrustVerdict{IsValid: true}
		e.record(verdict, "")
		return verdict
	}

	in := &evalInput{reading: reading, history: history}
	score := 0
	reason := ""
	for _, sig := range e.signals {
		if !sig.triggered(in) {
			continue
		}
		score += sig.weight
		observability.TrustSignalsTriggeredTotal.WithLabelValues(sig.name).Inc()
		if reason == "" {
			reason = sig.reason
		}
		e.logger.Debug("trust signal triggered",
			zap.String("signal", sig.name),
			zap.Int("weight", sig.weight),
			zap.Int("score", score))
	}

	if score >= e.cfg.InvalidThreshold {
		verdict := models.TrustVerdict{
			IsValid:        false,
			Message:        reason + retryHint,
			SuspicionScore: score,
		}
		e.record(verdict, "suspicion")
		return verdict
	}

	verdict := models.TrustVerdict{IsValid: true, SuspicionScore: score}
	e.record(verdict, "")
	return verdict
}

func (e *Evaluator) record(v models.TrustVerdict, cause string) {
	if v.IsValid {
		observability.TrustVerdictsTotal.WithLabelValues("valid").Inc()
		return
	}
	observability.TrustVerdictsTotal.WithLabelValues("invalid").Inc()
	e.logger.Info("location rejected",
		zap.String("cause", cause),
		zap.Int("suspicion_score", v.SuspicionScore),
		zap.String("message", v.Message))
}

// fingerprintInconsistent runs the 3-strike consistency check and refreshes
// the stored baseline when the check passes.
func (e *Evaluator) fingerprintInconsistent(*evalInput) bool {
	if e.fingerprint.CheckConsistency() {
		e.fingerprint.StoreBaseline()
		return false
	}
	return true
}

// coordinatePatternSuspicious combines range validity, decimal-precision
// plausibility, and the natural-variation check against the previous fix.
// A range-valid pair that fails both precision and variation is suspicious;
// ties lean valid when historical data is insufficient.
func (e *Evaluator) coordinatePatternSuspicious(in *evalInput) bool {
	lat, lon := in.reading.Latitude, in.reading.Longitude

	rangeValid := lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
	precisionOK := fractionalDigits(lat) > 1 && fractionalDigits(lon) > 1
	// Always evaluated: the variation check owns the previous-fix
	// bookkeeping and must see every reading.
	variationOK := e.naturalVariation(in)

	return !rangeValid || (!precisionOK && !variationOK)
}

// naturalVariation reports whether the reading moves plausibly relative to
// the previous fix: neither stuck (identical more often than tolerated) nor
// teleported (jump beyond the configured limit). First readings and an
// absent or origin-sentinel previous fix lean valid.
func (e *Evaluator) naturalVariation(in *evalInput) bool {
	prev, havePrev := e.loadPreviousFix()
	streak := e.loadIdenticalStreak()

	dist := 0.0
	if havePrev && !prev.IsZero() {
		dist = geo.DistanceKm(in.reading.Latitude, in.reading.Longitude, prev.Latitude, prev.Longitude)
		if dist == 0 {
			streak++
		} else {
			streak = 0
		}
	}
	e.storeFixBookkeeping(in.reading, streak)

	if len(in.history) <= 1 || !havePrev || prev.IsZero() {
		return true
	}

	stuck := streak >= e.cfg.MaxIdenticalReadings
	tooFar := dist > e.cfg.MaxJumpKm
	return !stuck && !tooFar
}

func (e *Evaluator) loadPreviousFix() (models.Coordinates, bool) {
	rawLat, okLat, errLat := e.store.Get(keyPrevLatitude)
	rawLon, okLon, errLon := e.store.Get(keyPrevLongitude)
	if errLat != nil || errLon != nil || !okLat || !okLon {
		return models.Coordinates{}, false
	}
	lat, err1 := strconv.ParseFloat(rawLat, 64)
	lon, err2 := strconv.ParseFloat(rawLon, 64)
	if err1 != nil || err2 != nil {
		return models.Coordinates{}, false
	}
	return models.Coordinates{Latitude: lat, Longitude: lon}, true
}

func (e *Evaluator) loadIdenticalStreak() int {
	raw, ok, err := e.store.Get(keyIdenticalCount)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (e *Evaluator) storeFixBookkeeping(r models.Coordinates, streak int) {
	put := func(key, value string) {
		if err := e.store.Put(key, value); err != nil {
			e.logger.Warn("trust bookkeeping save failed", zap.String("key", key), zap.Error(err))
		}
	}
	put(keyPrevLatitude, strconv.FormatFloat(r.Latitude, 'f', -1, 64))
	put(keyPrevLongitude, strconv.FormatFloat(r.Longitude, 'f', -1, 64))
	put(keyIdenticalCount, strconv.Itoa(streak))
}

// fractionalDigits counts the decimal digits of v's shortest exact
// representation. Real GPS rarely returns round numbers; one digit or fewer
// is treated as implausibly coarse.
func fractionalDigits(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
