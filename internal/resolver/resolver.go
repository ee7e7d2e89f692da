// Package resolver turns raw lookup parameters into a normalized WeatherRequest.
package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

// DateLayout is the only accepted input date format (e.g. 08.02.2022T12:00).
const DateLayout = "02.01.2006T15:04"

// Resolver normalizes requests against a fixed zone and clock.
type Resolver struct {
	loc *time.Location
	now func() time.Time
}

// New returns a Resolver for loc using the wall clock. A nil loc means UTC.
func New(loc *time.Location) *Resolver {
	return NewWithClock(loc, time.Now)
}

// NewWithClock returns a Resolver whose notion of "now" comes from now.
func NewWithClock(loc *time.Location, now func() time.Time) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{loc: loc, now: now}
}

// Resolve parses rawDate as local wall-clock time in the configured zone and classifies the
// request: strictly after now is a forecast, anything else is historical.
// Returns models.ErrInvalidDate when rawDate does not match DateLayout.
func (r *Resolver) Resolve(city, countryCode, rawDate string) (models.WeatherRequest, error) {
	ts, err := r.ParseDate(rawDate)
	if err != nil {
		return models.WeatherRequest{}, err
	}
	return models.WeatherRequest{
		City:        Normalize(city),
		CountryCode: Normalize(countryCode),
		Timestamp:   ts,
		IsForecast:  ts.After(r.now().In(r.loc)),
	}, nil
}

// ParseDate parses rawDate in the configured zone without shifting its fields.
func (r *Resolver) ParseDate(rawDate string) (time.Time, error) {
	s := strings.TrimSpace(rawDate)
	// ParseInLocation accepts single-digit fields for two-digit layouts; require the exact width.
	if len(s) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", models.ErrInvalidDate, rawDate)
	}
	ts, err := time.ParseInLocation(DateLayout, s, r.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", models.ErrInvalidDate, rawDate)
	}
	return ts, nil
}

// Normalize trims whitespace and lowercases. The result is both the cache key component and
// the geocoding query input.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
