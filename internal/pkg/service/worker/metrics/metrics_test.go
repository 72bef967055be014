package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/keboola/task-worker/internal/pkg/service/worker/metrics"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel := telemetry.NewForTest(t)
	m := metrics.New(tel.Meter())

	m.RecordSlots(ctx, 3, 7)
	m.RecordResult(ctx, "resize", "success", "", false, 20*time.Millisecond)
	m.RecordResult(ctx, "resize", "cancelled", "timeoutError", false, time.Second)
	m.RecordCancelWarning(ctx, "resize")
	m.RecordCancelWarning(ctx, "resize")
	m.RecordForcedForget(ctx, "resize")
	m.RecordTimeout(ctx, "resize", "execution")
	m.RecordDeliveryRetry(ctx, "result")

	byName := make(map[string]metricdata.Metrics)
	for _, item := range tel.Metrics(t) {
		byName[item.Name] = item
	}

	inFlight := byName["keboola.worker.slots.inflight"].Data.(metricdata.Gauge[int64])
	require.Len(t, inFlight.DataPoints, 1)
	assert.Equal(t, int64(3), inFlight.DataPoints[0].Value)

	results := byName["keboola.worker.run.results"].Data.(metricdata.Sum[int64])
	require.Len(t, results.DataPoints, 2)
	for _, point := range results.DataPoints {
		status, _ := point.Attributes.Value("status")
		assert.Contains(t, []string{"success", "cancelled"}, status.AsString())
		assert.Equal(t, int64(1), point.Value)
	}

	duration := byName["keboola.worker.run.duration"].Data.(metricdata.Histogram[float64])
	assert.Len(t, duration.DataPoints, 2)
	assert.Equal(t, "ms", byName["keboola.worker.run.duration"].Unit)

	warnings := byName["keboola.worker.cancel.warnings"].Data.(metricdata.Sum[int64])
	assert.Equal(t, []metricdata.DataPoint[int64]{
		{Value: 2, Attributes: attribute.NewSet(attribute.String("task_name", "resize"))},
	}, warnings.DataPoints)

	forgotten := byName["keboola.worker.cancel.forgotten"].Data.(metricdata.Sum[int64])
	assert.Equal(t, int64(1), forgotten.DataPoints[0].Value)

	timeouts := byName["keboola.worker.timeouts"].Data.(metricdata.Sum[int64])
	assert.Equal(t, []metricdata.DataPoint[int64]{
		{Value: 1, Attributes: attribute.NewSet(attribute.String("deadline", "execution"), attribute.String("task_name", "resize"))},
	}, timeouts.DataPoints)
}
