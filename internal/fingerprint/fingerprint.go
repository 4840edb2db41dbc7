// Package fingerprint derives a stable digest of device/environment
// characteristics and detects sudden environment changes via a persisted
// mismatch counter. The checks are heuristic anti-spoofing signals, not a
// security boundary; every failure path fails open.
package fingerprint

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rgustavsen/skycast/internal/localstore"
	"github.com/rgustavsen/skycast/internal/models"
	"github.com/rgustavsen/skycast/internal/observability"
)

const recordKey = "fingerprint_record"

// mismatchLimit is the streak at which the fingerprint is treated as
// untrustworthy until a match is observed again.
const mismatchLimit = 3

// Engine computes fingerprints and tracks their consistency across calls.
type Engine struct {
	probe  Probe
	store  localstore.Store
	logger *zap.Logger
	nowMs  func() int64
}

// NewEngine returns an Engine using the given probe and persistence store.
func NewEngine(probe Probe, store localstore.Store, logger *zap.Logger) *Engine {
	return &Engine{
		probe:  probe,
		store:  store,
		logger: logger,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Compute derives the current fingerprint digest: a deterministic
// multiply-by-31-style rolling hash of the JSON-serialized snapshot, reduced
// to base-36.
func (e *Engine) Compute() string {
	snap := e.probe.Snapshot()
	raw, err := json.Marshal(snap)
	if err != nil {
		// Snapshot is a plain struct; this cannot happen in practice.
		return "0"
	}
	return hashString(string(raw))
}

// hashString applies the rolling hash h = h*31 + c over the input, in 32-bit
// wrapping arithmetic, and formats the result in base 36.
func hashString(s string) string {
	var h int32
	for _, c := range []byte(s) {
		h = (h << 5) - h + int32(c)
	}
	return strconv.FormatInt(int64(h), 36)
}

// CheckConsistency compares the current fingerprint against the persisted
// baseline. Absence of a baseline stores the current value and reports
// consistent. A mismatch increments the persisted streak and reports
// consistent while the streak stays below 3; a match resets the streak.
// Store failures fail open.
func (e *Engine) CheckConsistency() bool {
	current := e.Compute()

	rec, found, err := e.loadRecord()
	if err != nil {
		e.logger.Warn("fingerprint record load failed", zap.Error(err))
		return true
	}
	if !found || rec.Hash == "" {
		e.saveRecord(models.FingerprintRecord{Hash: current, CapturedAtMs: e.nowMs()})
		return true
	}

	if rec.Hash != current {
		rec.MismatchStreak++
		if rec.MismatchStreak > mismatchLimit {
			rec.MismatchStreak = mismatchLimit
		}
		e.saveRecord(rec)
		observability.FingerprintMismatchesTotal.Inc()
		e.logger.Debug("fingerprint mismatch",
			zap.String("stored", rec.Hash),
			zap.String("current", current),
			zap.Int("streak", rec.MismatchStreak))
		return rec.MismatchStreak < mismatchLimit
	}

	if rec.MismatchStreak != 0 {
		rec.MismatchStreak = 0
		e.saveRecord(rec)
	}
	return true
}

// StoreBaseline persists the current fingerprint as the new baseline,
// preserving the mismatch streak. Called after a successful verification so
// the baseline tracks gradual environment drift.
func (e *Engine) StoreBaseline() {
	rec, found, err := e.loadRecord()
	if err != nil || !found {
		rec = models.FingerprintRecord{}
	}
	rec.Hash = e.Compute()
	rec.CapturedAtMs = e.nowMs()
	e.saveRecord(rec)
}

func (e *Engine) loadRecord() (models.FingerprintRecord, bool, error) {
	raw, found, err := e.store.Get(recordKey)
	if err != nil || !found {
		return models.FingerprintRecord{}, false, err
	}
	var rec models.FingerprintRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return models.FingerprintRecord{}, false, err
	}
	return rec, true, nil
}

func (e *Engine) saveRecord(rec models.FingerprintRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := e.store.Put(recordKey, string(raw)); err != nil {
		e.logger.Warn("fingerprint record save failed", zap.Error(err))
	}
}
