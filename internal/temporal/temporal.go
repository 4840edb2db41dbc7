// Package temporal flags geolocation timestamps and device timezone settings
// that are implausible for the declared environment. Insufficient data is
// never treated as evidence of tampering: every check fails open.
package temporal

import (
	"strings"
	"time"
)

// DefaultMaxDrift is how far a fix timestamp may sit from wall-clock time
// before it is presumed manipulated or from a stalled sensor. GPS hardware
// can legitimately cache a fix briefly; half an hour is beyond that.
const DefaultMaxDrift = 30 * time.Minute

// offsetBand is a plausible UTC offset range in hours for a timezone region.
type offsetBand struct {
	min, max float64
}

// regionBands maps the leading IANA region label to its plausible UTC offset
// band. Regions not listed are never flagged.
var regionBands = map[string]offsetBand{
	"america":   {-12, 0},
	"europe":    {-2, 6},
	"asia":      {1, 14},
	"australia": {6, 14},
	"africa":    {-2, 6},
}

// Checker performs timestamp and timezone plausibility checks. The zero
// value is not usable; construct with NewChecker.
type Checker struct {
	maxDrift time.Duration
	now      func() time.Time
	zone     func() (name string, offsetSeconds int)
}

// NewChecker returns a Checker using the local clock and timezone. maxDrift
// <= 0 selects DefaultMaxDrift.
func NewChecker(maxDrift time.Duration) *Checker {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	return &Checker{
		maxDrift: maxDrift,
		now:      time.Now,
		zone:     localZone,
	}
}

// NewCheckerWithSources returns a Checker with injected clock and timezone
// sources. Intended for tests and non-host platforms.
func NewCheckerWithSources(maxDrift time.Duration, now func() time.Time, zone func() (string, int)) *Checker {
	c := NewChecker(maxDrift)
	if now != nil {
		c.now = now
	}
	if zone != nil {
		c.zone = zone
	}
	return c
}

func localZone() (string, int) {
	name := time.Local.String()
	_, offset := time.Now().Zone()
	return name, offset
}

// TimestampStale reports whether a fix timestamp (epoch ms) is further from
// wall-clock time than the configured drift in either direction.
func (c *Checker) TimestampStale(timestampMs int64) bool {
	diff := c.now().UnixMilli() - timestampMs
	if diff < 0 {
		diff = -diff
	}
	return diff > c.maxDrift.Milliseconds()
}

// TimezoneInconsistent reports whether the runtime's UTC offset falls outside
// the plausible band for its IANA region. Timezone names without a region
// separator, and regions without a known band, are never flagged.
func (c *Checker) TimezoneInconsistent() bool {
	name, offsetSec := c.zone()

	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 {
		return false
	}
	band, ok := regionBands[strings.ToLower(parts[0])]
	if !ok {
		return false
	}

	offsetHours := float64(offsetSec) / 3600
	return offsetHours < band.min || offsetHours > band.max
}
