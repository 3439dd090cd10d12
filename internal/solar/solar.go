// Package solar classifies timestamps as day or night at a fixed location.
package solar

import (
	"errors"
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"

	"github.com/septivank/climate-stream-worker/internal/reading"
)

var (
	// ErrZeroTime is returned for an unset timestamp
	ErrZeroTime = errors.New("solar: zero timestamp")
	// ErrNoSunriseSunset is returned when the sun does not rise or set on
	// the requested date (polar day or night)
	ErrNoSunriseSunset = errors.New("solar: no sunrise or sunset on date")
)

// Calculator computes sunrise and sunset for a fixed coordinate
type Calculator struct {
	latitude  float64
	longitude float64
	location  *time.Location
}

// NewCalculator creates a calculator for the given coordinate. Calendar
// dates are taken in loc.
func NewCalculator(latitude, longitude float64, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		latitude:  latitude,
		longitude: longitude,
		location:  loc,
	}
}

// SunriseSunset returns the sunrise and sunset instants of t's local
// calendar date
func (c *Calculator) SunriseSunset(t time.Time) (time.Time, time.Time, error) {
	if t.IsZero() {
		return time.Time{}, time.Time{}, ErrZeroTime
	}

	local := t.In(c.location)
	rise, set := sunrise.SunriseSunset(c.latitude, c.longitude, local.Year(), local.Month(), local.Day())
	if rise.IsZero() || set.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrNoSunriseSunset, local.Format("2006-01-02"))
	}

	return rise.In(c.location), set.In(c.location), nil
}

// Classify returns Day when t lies within [sunrise, sunset], Night
// otherwise. On error the result is Unknown.
func (c *Calculator) Classify(t time.Time) (reading.DayNight, error) {
	rise, set, err := c.SunriseSunset(t)
	if err != nil {
		return reading.Unknown, err
	}

	if !t.Before(rise) && !t.After(set) {
		return reading.Day, nil
	}
	return reading.Night, nil
}
