package weather

import (
	"math"
	"time"
)

// DeriveUVIndex estimates a UV index when the upstream response lacks one.
// The estimate is a time-of-day base attenuated by cloud cover and scaled by
// season, rounded and clamped to the standard 0..12 scale. cloudCover is a
// percentage.
func DeriveUVIndex(at time.Time, cloudCover int) int {
	base := hourlyBase(at.Hour())
	uv := float64(base) * cloudFactor(cloudCover) * seasonFactor(at.Month())

	idx := int(math.Round(uv))
	if idx < 0 {
		return 0
	}
	if idx > 12 {
		return 12
	}
	return idx
}

// hourlyBase is the clear-sky midsummer baseline for the local hour.
func hourlyBase(hour int) int {
	switch {
	case hour >= 10 && hour <= 16:
		return 8
	case (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19):
		return 4
	default:
		return 1
	}
}

func cloudFactor(cloudCover int) float64 {
	switch {
	case cloudCover >= 80:
		return 0.3
	case cloudCover >= 60:
		return 0.5
	case cloudCover >= 40:
		return 0.7
	case cloudCover >= 20:
		return 0.9
	default:
		return 1.0
	}
}

func seasonFactor(m time.Month) float64 {
	switch {
	case m >= time.June && m <= time.September:
		return 1.2
	case m == time.October || m == time.November:
		return 0.8
	case m == time.December || m <= time.February:
		return 0.6
	default:
		return 1.0
	}
}
