package enrich

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/climate-stream-worker/internal/reading"
)

// DayNightClassifier decides whether a timestamp falls in daylight
type DayNightClassifier interface {
	Classify(t time.Time) (reading.DayNight, error)
}

// Enricher derives the temperature bin, calendar fields, season and
// day/night flag of raw readings
type Enricher struct {
	binSize    int
	location   *time.Location
	classifier DayNightClassifier
	logger     *zap.Logger
}

// NewEnricher creates a new enricher. binSize must be positive.
func NewEnricher(binSize int, loc *time.Location, classifier DayNightClassifier, logger *zap.Logger) *Enricher {
	if loc == nil {
		loc = time.UTC
	}
	return &Enricher{
		binSize:    binSize,
		location:   loc,
		classifier: classifier,
		logger:     logger,
	}
}

// Enrich transforms a batch, preserving order. It never fails: a reading
// whose day/night cannot be computed is emitted with DayNight Unknown.
func (e *Enricher) Enrich(batch []reading.RawReading) []reading.EnrichedRecord {
	out := make([]reading.EnrichedRecord, 0, len(batch))
	for _, raw := range batch {
		out = append(out, e.enrichOne(raw))
	}
	return out
}

func (e *Enricher) enrichOne(raw reading.RawReading) reading.EnrichedRecord {
	local := raw.Timestamp.In(e.location)

	record := reading.EnrichedRecord{
		Timestamp:          local,
		TemperatureCelsius: raw.TemperatureCelsius,
		RelativeHumidity:   raw.RelativeHumidity,
		TempBin:            TempBin(raw.TemperatureCelsius, e.binSize),
		Month:              int(local.Month()),
		Day:                local.Day(),
		Year:               local.Year(),
		Season:             SeasonOf(int(local.Month()), local.Day()),
	}

	dayNight, err := e.classifier.Classify(local)
	if err != nil {
		e.logger.Warn("failed to determine day or night",
			zap.Error(err),
			zap.String("timestamp", record.FormattedTimestamp()),
		)
		dayNight = reading.Unknown
	}
	record.DayNight = dayNight

	return record
}

// ErrTempBinOutOfRange is returned for a temperature whose bin does not fit
// the index's 32-bit integer field
var ErrTempBinOutOfRange = errors.New("temperature bin out of range")

// TempBin returns the lower edge of the bin of width binSize containing
// temperature. Negative temperatures floor toward negative infinity.
// Callers check the range with CheckTempBin first.
func TempBin(temperature float64, binSize int) int {
	return int(floorBin(temperature, binSize))
}

// CheckTempBin reports whether the bin of temperature fits in an int32
func CheckTempBin(temperature float64, binSize int) error {
	bin := floorBin(temperature, binSize)
	if math.IsNaN(bin) || bin < math.MinInt32 || bin > math.MaxInt32 {
		return fmt.Errorf("%w: %g with bin size %d", ErrTempBinOutOfRange, temperature, binSize)
	}
	return nil
}

func floorBin(temperature float64, binSize int) float64 {
	size := float64(binSize)
	return math.Floor(temperature/size) * size
}

// SeasonOf maps a calendar (month, day) onto its Northern-hemisphere
// season using fixed equinox and solstice dates. First match wins.
func SeasonOf(month, day int) reading.Season {
	switch {
	case (month == 3 && day >= 21) || (month > 3 && month < 6) || (month == 6 && day <= 20):
		return reading.Spring
	case (month == 6 && day >= 21) || (month > 6 && month < 9) || (month == 9 && day <= 20):
		return reading.Summer
	case (month == 9 && day >= 21) || (month > 9 && month < 12) || (month == 12 && day <= 20):
		return reading.Autumn
	default:
		return reading.Winter
	}
}
