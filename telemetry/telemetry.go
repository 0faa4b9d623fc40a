// Package telemetry provides the fabric's metrics recorder on top of the
// global OpenTelemetry meter provider. Logging goes through goa.design/clue
// directly; this package only abstracts the metric surface so tests can
// substitute a recorder.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type (
	// Metrics records counters and gauges for the worker runtime.
	Metrics interface {
		// IncCounter increments a counter metric by the given value.
		IncCounter(name string, value float64, tags ...string)
		// RecordGauge records the current value of a gauge metric.
		RecordGauge(name string, value float64, tags ...string)
	}

	// OTELMetrics delegates to the global OpenTelemetry MeterProvider.
	// Configure the provider before starting workers (typically via
	// clue.ConfigureOpenTelemetry or OTEL_* environment variables).
	OTELMetrics struct {
		meter metric.Meter
	}

	// NopMetrics discards every recording. Useful in tests.
	NopMetrics struct{}
)

// NewOTELMetrics constructs a Metrics recorder backed by the global meter.
func NewOTELMetrics() Metrics {
	return &OTELMetrics{meter: otel.Meter("github.com/nooble4/fabric")}
}

// IncCounter increments a counter metric by the given value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records the current value of a gauge metric.
func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// IncCounter is a no-op.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordGauge is a no-op.
func (NopMetrics) RecordGauge(string, float64, ...string) {}

// tagsToAttrs converts alternating key/value strings to OTEL attributes.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
