// Package telemetry holds the OpenTelemetry tracer and meter of the process.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	metricNoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const appName = "github.com/keboola/task-worker"

type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
	Tracer() Tracer
	Meter() Meter
}

type TracerProviderFactory func() (trace.TracerProvider, error)

type MeterProviderFactory func() (metric.MeterProvider, error)

type telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         Tracer
	meter          Meter
}

// New creates the telemetry from the providers, a nil provider is replaced by the noop implementation.
func New(tpFactory TracerProviderFactory, mpFactory MeterProviderFactory) (Telemetry, error) {
	var tracerProvider trace.TracerProvider
	if tpFactory != nil {
		var err error
		if tracerProvider, err = tpFactory(); err != nil {
			return nil, err
		}
	}
	if tracerProvider == nil {
		tracerProvider = traceNoop.NewTracerProvider()
	}

	var meterProvider metric.MeterProvider
	if mpFactory != nil {
		var err error
		if meterProvider, err = mpFactory(); err != nil {
			return nil, err
		}
	}
	if meterProvider == nil {
		meterProvider = metricNoop.NewMeterProvider()
	}

	return newTelemetry(tracerProvider, meterProvider), nil
}

func NewNop() Telemetry {
	return newTelemetry(traceNoop.NewTracerProvider(), metricNoop.NewMeterProvider())
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	return &telemetry{
		tracerProvider: tp,
		meterProvider:  mp,
		tracer:         &tracer{tracer: tp.Tracer(appName)},
		meter:          &meter{meter: mp.Meter(appName)},
	}
}

func (t *telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

func (t *telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

func (t *telemetry) Tracer() Tracer {
	return t.tracer
}

func (t *telemetry) Meter() Meter {
	return t.meter
}

// ContextWithSpan returns a new context with the span.
func ContextWithSpan(ctx context.Context, span Span) context.Context {
	if s, ok := span.(*spanWrapper); ok {
		return trace.ContextWithSpan(ctx, s.span)
	}
	return ctx
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) Span {
	return &spanWrapper{span: trace.SpanFromContext(ctx)}
}
