package validator_test

import (
	"testing"
	"time"

	"github.com/septivank/climate-stream-worker/internal/mq"
	"github.com/septivank/climate-stream-worker/internal/validator"
)

func TestDecode_ValidPayload(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)

	r, err := v.Decode([]byte(`{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":25.7,"Relative_Humidity":60.0}`))
	if err != nil {
		t.Fatalf("Expected valid payload, got error: %v", err)
	}

	if r.TemperatureCelsius != 25.7 {
		t.Errorf("Expected temperature 25.7, got %f", r.TemperatureCelsius)
	}
	if r.RelativeHumidity != 60.0 {
		t.Errorf("Expected humidity 60.0, got %f", r.RelativeHumidity)
	}

	expected := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)
	if !r.Timestamp.Equal(expected) {
		t.Errorf("Expected timestamp %v, got %v", expected, r.Timestamp)
	}
}

func TestDecode_NumericStrings(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)

	r, err := v.Decode([]byte(`{"Timestamp":"2024-01-05 08:15","Temperature_Celsius":"-3.5","Relative_Humidity":" 81 "}`))
	if err != nil {
		t.Fatalf("Expected numeric strings to be coerced, got error: %v", err)
	}

	if r.TemperatureCelsius != -3.5 || r.RelativeHumidity != 81 {
		t.Errorf("Unexpected values: %+v", r)
	}
}

func TestDecode_Invalid(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)

	payloads := map[string]string{
		"missing temperature": `{"Timestamp":"bad"}`,
		"bad timestamp":       `{"Timestamp":"bad","Temperature_Celsius":1,"Relative_Humidity":2}`,
		"missing timestamp":   `{"Temperature_Celsius":1,"Relative_Humidity":2}`,
		"numeric timestamp":   `{"Timestamp":1718971200,"Temperature_Celsius":1,"Relative_Humidity":2}`,
		"non numeric":         `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":"warm","Relative_Humidity":2}`,
		"null humidity":       `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":1,"Relative_Humidity":null}`,
		"boolean":             `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":true,"Relative_Humidity":2}`,
		"nan":                 `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":"NaN","Relative_Humidity":2}`,
		"not json":            `Timestamp=2024-06-21`,
		"array":               `[1,2,3]`,
		"null":                `null`,
		"empty":               ``,
	}

	for name, payload := range payloads {
		if _, err := v.Decode([]byte(payload)); err == nil {
			t.Errorf("%s: expected error for payload %q", name, payload)
		}
	}
}

func TestDecode_TrailingData(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)
	valid := `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":25.7,"Relative_Humidity":60.0}`

	if _, err := v.Decode([]byte(valid + "\n")); err != nil {
		t.Errorf("Expected trailing whitespace to be accepted, got error: %v", err)
	}

	for _, suffix := range []string{" GARBAGE{", "}", valid} {
		if _, err := v.Decode([]byte(valid + suffix)); err == nil {
			t.Errorf("Expected error for trailing %q", suffix)
		}
	}
}

func TestDecode_TemperatureBinOutOfRange(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)

	for _, temp := range []string{"1e20", "-1e20", "3e9", `"2147483648"`} {
		payload := `{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":` + temp + `,"Relative_Humidity":60}`
		if _, err := v.Decode([]byte(payload)); err == nil {
			t.Errorf("Expected temperature %s to be rejected", temp)
		}
	}

	if _, err := v.Decode([]byte(`{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":2147483647,"Relative_Humidity":60}`)); err != nil {
		t.Errorf("Expected largest indexable temperature to be accepted, got error: %v", err)
	}

	wide := validator.NewValidator(time.UTC, 10)
	if _, err := wide.Decode([]byte(`{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":-2147483645,"Relative_Humidity":60}`)); err == nil {
		t.Errorf("Expected bin below int32 range to be rejected with bin size 10")
	}
}

func TestDecodeBatches_SkipsMalformedIndividually(t *testing.T) {
	v := validator.NewValidator(time.UTC, 1)

	batches := []mq.PartitionBatch{
		{Partition: 0, Messages: []mq.Message{
			{Partition: 0, Offset: 1, Payload: []byte(`{"Timestamp":"2024-06-21 12:00:00","Temperature_Celsius":25.7,"Relative_Humidity":60.0}`)},
			{Partition: 0, Offset: 2, Payload: []byte(`{"Timestamp":"bad"}`)},
			{Partition: 0, Offset: 3, Payload: []byte(`{"Timestamp":"2024-06-21 12:05:00","Temperature_Celsius":26.1,"Relative_Humidity":58.0}`)},
		}},
		{Partition: 1, Messages: []mq.Message{
			{Partition: 1, Offset: 7, Payload: []byte(`{"Timestamp":"2024-06-21 12:10:00","Temperature_Celsius":26.4,"Relative_Humidity":57.5}`)},
		}},
	}

	result := v.DecodeBatches(batches)

	if len(result.Readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(result.Readings))
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(result.Failures))
	}
	if len(result.Messages) != 4 {
		t.Errorf("Expected all 4 messages to be tracked for commit, got %d", len(result.Messages))
	}

	f := result.Failures[0]
	if f.Offset != 2 || f.Partition != 0 || f.Reason == "" {
		t.Errorf("Unexpected failure detail: %+v", f)
	}

	if result.Readings[1].TemperatureCelsius != 26.1 || result.Readings[2].TemperatureCelsius != 26.4 {
		t.Errorf("Readings out of order: %+v", result.Readings)
	}
}
