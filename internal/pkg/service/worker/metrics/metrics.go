// Package metrics contains OpenTelemetry instruments of the worker node.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/task-worker/internal/pkg/telemetry"
)

const (
	attrStatus    = attribute.Key("status")
	attrErrorName = attribute.Key("error_name")
	attrTaskName  = attribute.Key("task_name")
	attrDeadline  = attribute.Key("deadline")
	attrMessage   = attribute.Key("message_type")
	attrIsDurable = attribute.Key("is_durable")
)

var runDurationBounds = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 300000} // ms

type Metrics struct {
	SlotsInFlight   metric.Int64Gauge
	SlotsAvailable  metric.Int64Gauge
	RunResults      metric.Int64Counter
	RunDuration     metric.Float64Histogram
	CancelWarnings  metric.Int64Counter
	ForcedForgets   metric.Int64Counter
	Timeouts        metric.Int64Counter
	DeliveryRetries metric.Int64Counter
}

func New(meter telemetry.Meter) *Metrics {
	return &Metrics{
		SlotsInFlight:   meter.Gauge("keboola.worker.slots.inflight", "Number of executing runs.", ""),
		SlotsAvailable:  meter.Gauge("keboola.worker.slots.available", "Number of free slots.", ""),
		RunResults:      meter.Counter("keboola.worker.run.results", "Reported run results.", ""),
		RunDuration:     meter.Histogram("keboola.worker.run.duration", "Run duration.", "ms", runDurationBounds),
		CancelWarnings:  meter.Counter("keboola.worker.cancel.warnings", "Warnings about cancelled runs that are still running.", ""),
		ForcedForgets:   meter.Counter("keboola.worker.cancel.forgotten", "Cancelled runs forgotten after the grace period.", ""),
		Timeouts:        meter.Counter("keboola.worker.timeouts", "Expired run deadlines.", ""),
		DeliveryRetries: meter.Counter("keboola.worker.delivery.retries", "Retried deliveries of messages to the server.", ""),
	}
}

func (m *Metrics) RecordSlots(ctx context.Context, inFlight, available int) {
	m.SlotsInFlight.Record(ctx, int64(inFlight))
	m.SlotsAvailable.Record(ctx, int64(available))
}

func (m *Metrics) RecordResult(ctx context.Context, taskName, status, errorName string, isDurable bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attrTaskName.String(taskName),
		attrStatus.String(status),
		attrErrorName.String(errorName),
		attrIsDurable.Bool(isDurable),
	)
	m.RunResults.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *Metrics) RecordCancelWarning(ctx context.Context, taskName string) {
	m.CancelWarnings.Add(ctx, 1, metric.WithAttributes(attrTaskName.String(taskName)))
}

func (m *Metrics) RecordForcedForget(ctx context.Context, taskName string) {
	m.ForcedForgets.Add(ctx, 1, metric.WithAttributes(attrTaskName.String(taskName)))
}

func (m *Metrics) RecordTimeout(ctx context.Context, taskName, deadline string) {
	m.Timeouts.Add(ctx, 1, metric.WithAttributes(attrTaskName.String(taskName), attrDeadline.String(deadline)))
}

func (m *Metrics) RecordDeliveryRetry(ctx context.Context, messageType string) {
	m.DeliveryRetries.Add(ctx, 1, metric.WithAttributes(attrMessage.String(messageType)))
}
