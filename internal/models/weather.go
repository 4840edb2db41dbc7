package models

import "time"

// Units selects the measurement system for upstream requests and cache keys.
type Units string

const (
	UnitsMetric   Units = "metric"
	UnitsImperial Units = "imperial"
)

// ParseUnits normalizes a units string, defaulting to metric.
func ParseUnits(s string) Units {
	if Units(s) == UnitsImperial {
		return UnitsImperial
	}
	return UnitsMetric
}

// CurrentConditions is the current weather for a location.
type CurrentConditions struct {
	Name              string    `json:"name"`
	Temperature       float64   `json:"temperature"`
	FeelsLike         float64   `json:"feelsLike"`
	Humidity          int       `json:"humidity"`
	WindSpeed         float64   `json:"windSpeed"`
	ConditionID       int       `json:"conditionId"`
	Conditions        string    `json:"conditions"`
	Icon              string    `json:"icon"`
	CloudCover        int       `json:"cloudCover"` // percent
	PrecipProbability float64   `json:"precipProbability"`
	UVIndex           int       `json:"uvIndex"`
	Timestamp         time.Time `json:"timestamp"`
}

// HourlyForecast is one hour of forecast data.
type HourlyForecast struct {
	Time              time.Time `json:"time"`
	Temperature       float64   `json:"temperature"`
	FeelsLike         float64   `json:"feelsLike"`
	Humidity          int       `json:"humidity"`
	WindSpeed         float64   `json:"windSpeed"`
	CloudCover        int       `json:"cloudCover"`
	PrecipProbability float64   `json:"precipProbability"`
	ConditionID       int       `json:"conditionId"`
	Conditions        string    `json:"conditions"`
	Icon              string    `json:"icon"`
}

// ForecastResponse is an ordered sequence of hourly records.
type ForecastResponse struct {
	Hourly []HourlyForecast `json:"hourly"`
}

// WeatherBundle pairs current conditions with the hourly forecast as served
// to consumers and stored in the cache. Degraded marks a fallback result
// (stale cache or default city); Warning carries the human-readable note.
type WeatherBundle struct {
	Weather   CurrentConditions `json:"weather"`
	Forecast  ForecastResponse  `json:"forecast"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Degraded  bool              `json:"degraded,omitempty"`
	Warning   string            `json:"warning,omitempty"`
}
