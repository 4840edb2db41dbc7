// Package traffic keeps a sliding window of recent request outcomes. It is
// the single source of truth for the health endpoint's error rate and for the
// degraded-mode recovery probe.
package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained. Queries beyond this window
// undercount.
const maxAge = 5 * time.Minute

type kind uint8

const (
	kindSuccess kind = iota
	kindError
	kindDenied
)

type outcome struct {
	at   time.Time
	kind kind
}

var defaultTracker Tracker

// RecordSuccess records a successful request outcome.
func RecordSuccess() { defaultTracker.RecordSuccess() }

// RecordError records a failed request outcome (upstream error, timeout, etc.).
func RecordError() { defaultTracker.RecordError() }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.RecordDenied() }

// RequestCount returns the number of outcomes (success + error + denied) within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.DenialCount(window) }

// ErrorRate returns (errorCount, totalCount) within the window. totalCount =
// successes + errors (denied excluded).
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears all recorded outcomes. For tests only.
func Reset() { defaultTracker.Reset() }

// Tracker maintains a sliding window of outcome timestamps. The zero value is
// ready to use.
type Tracker struct {
	mu       sync.Mutex
	outcomes []outcome
	now      func() time.Time
}

func (t *Tracker) RecordSuccess() { t.record(kindSuccess) }
func (t *Tracker) RecordError() { t.record(kindError) }
func (t *Tracker) RecordDenied() { t.record(kindDenied) }

func (t *Tracker) record(k kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()()
	t.outcomes = append(t.outcomes, outcome{at: now, kind: k})
	t.pruneLocked(now)
}

// RequestCount returns the total number of outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.eachInWindowLocked(window, func(outcome) { n++ })
	return n
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	t.eachInWindowLocked(window, func(o outcome) {
		if o.kind == kindDenied {
			n++
		}
	})
	return n
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials are
// excluded: a shed request says nothing about upstream health.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eachInWindowLocked(window, func(o outcome) {
		switch o.kind {
		case kindError:
			errors++
			total++
		case kindSuccess:
			total++
		}
	})
	return errors, total
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = nil
}

func (t *Tracker) eachInWindowLocked(window time.Duration, fn func(outcome)) {
	cutoff := t.clock()().Add(-window)
	for _, o := range t.outcomes {
		if !o.at.Before(cutoff) {
			fn(o)
		}
	}
}

// pruneLocked drops outcomes older than maxAge. Outcomes are appended in time
// order, so the retained suffix starts at the first fresh entry.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	i := 0
	for ; i < len(t.outcomes) && t.outcomes[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.outcomes = append(t.outcomes[:0], t.outcomes[i:]...)
	}
}

func (t *Tracker) clock() func() time.Time {
	if t.now != nil {
		return t.now
	}
	return time.Now
}
