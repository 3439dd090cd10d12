// Package reading defines the sensor reading records that flow through the
// pipeline.
package reading

import (
	"encoding/json"
	"time"

	"github.com/septivank/climate-stream-worker/tools/timeparser"
)

// Season is the astronomical season of a reading's calendar date
type Season string

const (
	Spring Season = "Spring"
	Summer Season = "Summer"
	Autumn Season = "Autumn"
	Winter Season = "Winter"
)

// DayNight tells whether a reading was taken between sunrise and sunset
type DayNight string

const (
	Day     DayNight = "Day"
	Night   DayNight = "Night"
	Unknown DayNight = "Unknown"
)

// RawReading is one decoded sensor measurement
type RawReading struct {
	Timestamp          time.Time
	TemperatureCelsius float64
	RelativeHumidity   float64
}

// EnrichedRecord is a RawReading plus its derived fields, shaped like a
// document in the destination index
type EnrichedRecord struct {
	Timestamp          time.Time
	TemperatureCelsius float64
	RelativeHumidity   float64
	TempBin            int
	Month              int
	Day                int
	Year               int
	Season             Season
	DayNight           DayNight
}

// FormattedTimestamp returns the timestamp in the fixed index format
func (r EnrichedRecord) FormattedTimestamp() string {
	return timeparser.FormatReadingTimestamp(r.Timestamp)
}

type enrichedDocument struct {
	Timestamp          string   `json:"Timestamp"`
	TemperatureCelsius float64  `json:"Temperature_Celsius"`
	RelativeHumidity   float64  `json:"Relative_Humidity"`
	TempBin            int      `json:"temp_bin"`
	Month              int      `json:"month"`
	Day                int      `json:"day"`
	Year               int      `json:"year"`
	Season             Season   `json:"season"`
	DayNight           DayNight `json:"day_night"`
}

// MarshalJSON encodes the record with the index field names and the
// timestamp in the fixed output format
func (r EnrichedRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(enrichedDocument{
		Timestamp:          r.FormattedTimestamp(),
		TemperatureCelsius: r.TemperatureCelsius,
		RelativeHumidity:   r.RelativeHumidity,
		TempBin:            r.TempBin,
		Month:              r.Month,
		Day:                r.Day,
		Year:               r.Year,
		Season:             r.Season,
		DayNight:           r.DayNight,
	})
}
