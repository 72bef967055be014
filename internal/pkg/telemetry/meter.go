package telemetry

import "go.opentelemetry.io/otel/metric"

type Meter interface {
	Counter(name, desc, unit string) metric.Int64Counter
	UpDownCounter(name, desc, unit string) metric.Int64UpDownCounter
	Gauge(name, desc, unit string) metric.Int64Gauge
	Histogram(name, desc, unit string, boundaries []float64) metric.Float64Histogram
}

type meter struct {
	meter metric.Meter
}

func (m *meter) Counter(name, desc, unit string) metric.Int64Counter {
	return mustInstrument(m.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func (m *meter) UpDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	return mustInstrument(m.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func (m *meter) Gauge(name, desc, unit string) metric.Int64Gauge {
	return mustInstrument(m.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit)))
}

func (m *meter) Histogram(name, desc, unit string, boundaries []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit(unit)}
	if len(boundaries) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(boundaries...))
	}
	return mustInstrument(m.meter.Float64Histogram(name, opts...))
}

func mustInstrument[T any](instrument T, err error) T {
	if err != nil {
		panic(err)
	}
	return instrument
}
