// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "climate_stream"

// Metrics holds the pipeline collectors. All methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	messagesPolled   prometheus.Counter
	messagesSkipped  prometheus.Counter
	readingsDecoded  prometheus.Counter
	unknownDayNight  prometheus.Counter
	batchesFlushed   prometheus.Counter
	recordsWritten   prometheus.Counter
	writeFailures    prometheus.Counter
	bufferedReadings prometheus.Gauge
	flushDuration    prometheus.Histogram
}

// New creates the collectors on a private registry, including Go runtime
// and process metrics
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesPolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_polled_total",
			Help:      "Messages received from the source.",
		}),
		messagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_skipped_total",
			Help:      "Messages dropped because they could not be decoded.",
		}),
		readingsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_decoded_total",
			Help:      "Readings decoded from messages.",
		}),
		unknownDayNight: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "day_night_unknown_total",
			Help:      "Records whose day/night flag could not be computed.",
		}),
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches written to the destination.",
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Enriched records appended to the destination.",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Failed bulk write attempts.",
		}),
		bufferedReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_readings",
			Help:      "Readings waiting in the batch buffer.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time to enrich and write one batch, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	m.registry.MustRegister(
		m.messagesPolled,
		m.messagesSkipped,
		m.readingsDecoded,
		m.unknownDayNight,
		m.batchesFlushed,
		m.recordsWritten,
		m.writeFailures,
		m.bufferedReadings,
		m.flushDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObservePoll records one poll's decode outcome
func (m *Metrics) ObservePoll(polled, decoded, skipped int) {
	if m == nil {
		return
	}
	m.messagesPolled.Add(float64(polled))
	m.readingsDecoded.Add(float64(decoded))
	m.messagesSkipped.Add(float64(skipped))
}

// ObserveFlush records a successful batch write
func (m *Metrics) ObserveFlush(records, unknown int, seconds float64) {
	if m == nil {
		return
	}
	m.batchesFlushed.Inc()
	m.recordsWritten.Add(float64(records))
	m.unknownDayNight.Add(float64(unknown))
	m.flushDuration.Observe(seconds)
}

// IncWriteFailure records a failed write attempt
func (m *Metrics) IncWriteFailure() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

// SetBuffered records the current buffer size
func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.bufferedReadings.Set(float64(n))
}
