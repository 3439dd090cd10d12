package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ReadingLayout is the fixed timestamp format emitted to the index
const ReadingLayout = "2006-01-02 15:04:05"

// ParseReadingTimestamp attempts to parse a sensor timestamp with multiple
// formats. Zone-less inputs are interpreted in loc.
func ParseReadingTimestamp(dateStr string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	formats := []string{
		ReadingLayout,         // YYYY-MM-DD HH:mm:ss
		"2006-01-02 15:04",    // YYYY-MM-DD HH:mm, exported CSV rows lack seconds
		"2006-01-02T15:04:05", // ISO without zone
	}

	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, format := range formats {
		t, err := time.ParseInLocation(format, dateStr, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	// RFC3339 carries its own offset; convert to the reading location
	if t, err := time.Parse(time.RFC3339, dateStr); err == nil {
		return t.In(loc), nil
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// FormatReadingTimestamp renders t in the fixed output format
func FormatReadingTimestamp(t time.Time) string {
	return t.Format(ReadingLayout)
}
