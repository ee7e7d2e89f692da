package models

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	// ForecastDateLayout is the cache date key for forecast requests (calendar date only).
	ForecastDateLayout = "2006-01-02"
	// HistoricalDateLayout is the cache date key for historical requests.
	HistoricalDateLayout = "2006-01-02 15:04:05-07:00"
)

// WeatherRequest is a normalized weather lookup. City and CountryCode are trimmed and lowercased;
// Timestamp is always in the configured local zone.
type WeatherRequest struct {
	City        string
	CountryCode string
	Timestamp   time.Time
	IsForecast  bool
}

// DateKey returns the date component of the cache key: the calendar date for forecasts,
// the full zoned timestamp otherwise.
func (r WeatherRequest) DateKey() string {
	if r.IsForecast {
		return r.Timestamp.Format(ForecastDateLayout)
	}
	return r.Timestamp.Format(HistoricalDateLayout)
}

// Key returns the cache key identifying the stored record for this request.
func (r WeatherRequest) Key() CacheKey {
	return CacheKey{City: r.City, CountryCode: r.CountryCode, Date: r.DateKey()}
}

// Mode returns "forecast" or "historical". Used for logs and metric labels.
func (r WeatherRequest) Mode() string {
	if r.IsForecast {
		return "forecast"
	}
	return "historical"
}

// CacheKey identifies a unique WeatherRecord.
type CacheKey struct {
	City        string
	CountryCode string
	Date        string
}

// String renders the key as city|country|date.
func (k CacheKey) String() string {
	return k.City + "|" + k.CountryCode + "|" + k.Date
}

// Coordinates are the geocoded position of a city. Not persisted.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// WeatherRecord is a persisted weather payload. Records are insert-only.
type WeatherRecord struct {
	City        string          `json:"city"`
	CountryCode string          `json:"country_code"`
	Date        string          `json:"date"`
	Data        json.RawMessage `json:"data"`
}

// IsEmptyPayload reports whether payload carries no data worth storing:
// missing, null, false, zero, an empty string, an empty object or an empty array.
func IsEmptyPayload(payload json.RawMessage) bool {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return true
	}
	switch string(p) {
	case "null", "false", "0", `""`:
		return true
	}
	if p[0] == '{' || p[0] == '[' {
		var v interface{}
		if err := json.Unmarshal(p, &v); err != nil {
			return false
		}
		switch t := v.(type) {
		case map[string]interface{}:
			return len(t) == 0
		case []interface{}:
			return len(t) == 0
		}
	}
	return false
}
