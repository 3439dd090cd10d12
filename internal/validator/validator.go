package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/climate-stream-worker/internal/enrich"
	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/reading"
	"github.com/septivank/climate-stream-worker/tools/timeparser"
)

// Payload field names
const (
	FieldTimestamp   = "Timestamp"
	FieldTemperature = "Temperature_Celsius"
	FieldHumidity    = "Relative_Humidity"
)

// Failure describes one message that could not be decoded
type Failure struct {
	Partition int
	Offset    int64
	Payload   []byte
	Reason    string
}

// Result holds the outcome of decoding one poll
type Result struct {
	Readings []reading.RawReading
	Failures []Failure
	// Messages lists every decoded-or-skipped message, for committing
	Messages []mq.Message
}

// Validator decodes message payloads into raw readings
type Validator struct {
	location *time.Location
	binSize  int
}

// NewValidator creates a new validator. Zone-less timestamps are read in
// loc; temperatures whose bin of width binSize cannot be indexed are
// rejected.
func NewValidator(loc *time.Location, binSize int) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	if binSize < 1 {
		binSize = 1
	}
	return &Validator{location: loc, binSize: binSize}
}

// DecodeBatches decodes every message independently. A malformed message
// becomes a Failure and never affects its neighbours.
func (v *Validator) DecodeBatches(batches []mq.PartitionBatch) Result {
	var result Result
	for _, batch := range batches {
		for _, msg := range batch.Messages {
			result.Messages = append(result.Messages, msg)

			r, err := v.Decode(msg.Payload)
			if err != nil {
				result.Failures = append(result.Failures, Failure{
					Partition: msg.Partition,
					Offset:    msg.Offset,
					Payload:   msg.Payload,
					Reason:    err.Error(),
				})
				continue
			}
			result.Readings = append(result.Readings, r)
		}
	}
	return result
}

// Decode parses a single JSON payload. Numeric fields may be JSON numbers
// or numeric strings.
func (v *Validator) Decode(payload []byte) (reading.RawReading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return reading.RawReading{}, fmt.Errorf("invalid payload: %w", err)
	}
	if fields == nil {
		return reading.RawReading{}, errors.New("invalid payload: not a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return reading.RawReading{}, errors.New("invalid payload: trailing data after JSON object")
	}

	rawTS, ok := fields[FieldTimestamp].(string)
	if !ok {
		return reading.RawReading{}, fmt.Errorf("missing or non-string %s", FieldTimestamp)
	}
	ts, err := timeparser.ParseReadingTimestamp(rawTS, v.location)
	if err != nil {
		return reading.RawReading{}, fmt.Errorf("invalid %s: %w", FieldTimestamp, err)
	}

	temperature, err := toFloat(fields, FieldTemperature)
	if err != nil {
		return reading.RawReading{}, err
	}
	if err := enrich.CheckTempBin(temperature, v.binSize); err != nil {
		return reading.RawReading{}, fmt.Errorf("invalid %s: %w", FieldTemperature, err)
	}
	humidity, err := toFloat(fields, FieldHumidity)
	if err != nil {
		return reading.RawReading{}, err
	}

	return reading.RawReading{
		Timestamp:          ts,
		TemperatureCelsius: temperature,
		RelativeHumidity:   humidity,
	}, nil
}

func toFloat(fields map[string]any, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("missing %s", key)
	}

	var (
		value float64
		err   error
	)
	switch x := raw.(type) {
	case json.Number:
		value, err = x.Float64()
	case string:
		value, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("invalid %s: unsupported type %T", key, raw)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("invalid %s: not a finite number", key)
	}
	return value, nil
}
