package telemetry

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	metricSdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// ForTest is the telemetry which keeps spans and metrics in memory.
type ForTest interface {
	Telemetry
	TraceID(n int) trace.TraceID
	SpanID(n int) trace.SpanID
	Spans(t *testing.T, opts ...TestSpanOption) tracetest.SpanStubs
	Metrics(t *testing.T, opts ...TestMeterOption) []metricdata.Metrics
	AssertSpans(t *testing.T, expectedSpans tracetest.SpanStubs, opts ...TestSpanOption)
	AssertMetrics(t *testing.T, expectedMetrics []metricdata.Metrics, opts ...TestMeterOption)
}

type TestSpanOption func(*testSpanConfig)

type TestMeterOption func(*testMeterConfig)

type testSpanConfig struct {
	attributeMapper func(attr attribute.KeyValue) attribute.KeyValue
}

type testMeterConfig struct {
	attributeMapper func(attr attribute.KeyValue) attribute.KeyValue
	keepValues      bool
}

type forTest struct {
	*telemetry
	spanRecorder *tracetest.SpanRecorder
	metricReader *metricSdk.ManualReader
}

// WithSpanAttributeMapper replaces dynamic attributes before the comparison.
func WithSpanAttributeMapper(fn func(attr attribute.KeyValue) attribute.KeyValue) TestSpanOption {
	return func(c *testSpanConfig) {
		c.attributeMapper = fn
	}
}

// WithMeterAttributeMapper replaces dynamic attributes before the comparison.
func WithMeterAttributeMapper(fn func(attr attribute.KeyValue) attribute.KeyValue) TestMeterOption {
	return func(c *testMeterConfig) {
		c.attributeMapper = fn
	}
}

// WithHistogramValues keeps histogram sums and bucket counts, by default only the count is compared.
func WithHistogramValues() TestMeterOption {
	return func(c *testMeterConfig) {
		c.keepValues = true
	}
}

func NewForTest(t *testing.T) ForTest {
	t.Helper()

	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := traceSdk.NewTracerProvider(
		traceSdk.WithSpanProcessor(spanRecorder),
		traceSdk.WithIDGenerator(&testIDGenerator{}),
		traceSdk.WithSampler(traceSdk.AlwaysSample()),
	)

	metricReader := metricSdk.NewManualReader()
	meterProvider := metricSdk.NewMeterProvider(metricSdk.WithReader(metricReader))

	return &forTest{
		telemetry:    newTelemetry(tracerProvider, meterProvider),
		spanRecorder: spanRecorder,
		metricReader: metricReader,
	}
}

func (v *forTest) TraceID(n int) trace.TraceID {
	return toTraceID(uint64(n))
}

func (v *forTest) SpanID(n int) trace.SpanID {
	return toSpanID(uint64(n))
}

// Spans returns ended spans in the start order, without timestamps and resource information.
func (v *forTest) Spans(t *testing.T, opts ...TestSpanOption) tracetest.SpanStubs {
	t.Helper()

	cfg := testSpanConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	var out tracetest.SpanStubs
	for _, stub := range tracetest.SpanStubsFromReadOnlySpans(v.spanRecorder.Ended()) {
		clean := tracetest.SpanStub{
			Name:           stub.Name,
			SpanKind:       stub.SpanKind,
			SpanContext:    stub.SpanContext,
			Parent:         stub.Parent,
			Status:         stub.Status,
			ChildSpanCount: stub.ChildSpanCount,
		}
		for _, attr := range stub.Attributes {
			if cfg.attributeMapper != nil {
				attr = cfg.attributeMapper(attr)
			}
			clean.Attributes = append(clean.Attributes, attr)
		}
		for _, event := range stub.Events {
			clean.Events = append(clean.Events, traceSdk.Event{Name: event.Name, Attributes: event.Attributes})
		}
		out = append(out, clean)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].SpanContext.SpanID(), out[j].SpanContext.SpanID()
		return binary.BigEndian.Uint64(a[:]) < binary.BigEndian.Uint64(b[:])
	})
	return out
}

// Metrics returns collected metrics, without timestamps and exemplars.
// Data points are sorted by attributes.
func (v *forTest) Metrics(t *testing.T, opts ...TestMeterOption) []metricdata.Metrics {
	t.Helper()

	cfg := testMeterConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	all := &metricdata.ResourceMetrics{}
	require.NoError(t, v.metricReader.Collect(context.Background(), all))

	var out []metricdata.Metrics
	for _, scope := range all.ScopeMetrics {
		for _, m := range scope.Metrics {
			m.Data = cleanMetricData(m.Data, cfg)
			out = append(out, m)
		}
	}
	return out
}

func (v *forTest) AssertSpans(t *testing.T, expectedSpans tracetest.SpanStubs, opts ...TestSpanOption) {
	t.Helper()
	assert.Equal(t, expectedSpans, v.Spans(t, opts...))
}

func (v *forTest) AssertMetrics(t *testing.T, expectedMetrics []metricdata.Metrics, opts ...TestMeterOption) {
	t.Helper()
	assert.Equal(t, expectedMetrics, v.Metrics(t, opts...))
}

func cleanMetricData(data metricdata.Aggregation, cfg testMeterConfig) metricdata.Aggregation {
	switch v := data.(type) {
	case metricdata.Sum[int64]:
		for i := range v.DataPoints {
			v.DataPoints[i].StartTime = time.Time{}
			v.DataPoints[i].Time = time.Time{}
			v.DataPoints[i].Exemplars = nil
			v.DataPoints[i].Attributes = mapAttributes(v.DataPoints[i].Attributes, cfg)
		}
		sortDataPoints(v.DataPoints, func(p metricdata.DataPoint[int64]) attribute.Set { return p.Attributes })
		return v
	case metricdata.Gauge[int64]:
		for i := range v.DataPoints {
			v.DataPoints[i].StartTime = time.Time{}
			v.DataPoints[i].Time = time.Time{}
			v.DataPoints[i].Exemplars = nil
			v.DataPoints[i].Attributes = mapAttributes(v.DataPoints[i].Attributes, cfg)
		}
		sortDataPoints(v.DataPoints, func(p metricdata.DataPoint[int64]) attribute.Set { return p.Attributes })
		return v
	case metricdata.Histogram[float64]:
		for i := range v.DataPoints {
			p := &v.DataPoints[i]
			p.StartTime = time.Time{}
			p.Time = time.Time{}
			p.Exemplars = nil
			p.Attributes = mapAttributes(p.Attributes, cfg)
			if !cfg.keepValues {
				p.Sum = 0
				p.BucketCounts = nil
				p.Min = metricdata.Extrema[float64]{}
				p.Max = metricdata.Extrema[float64]{}
			}
		}
		sortDataPoints(v.DataPoints, func(p metricdata.HistogramDataPoint[float64]) attribute.Set { return p.Attributes })
		return v
	default:
		return data
	}
}

func mapAttributes(set attribute.Set, cfg testMeterConfig) attribute.Set {
	if cfg.attributeMapper == nil {
		return set
	}
	attrs := set.ToSlice()
	for i, attr := range attrs {
		attrs[i] = cfg.attributeMapper(attr)
	}
	return attribute.NewSet(attrs...)
}

func sortDataPoints[T any](points []T, attrs func(T) attribute.Set) {
	sort.SliceStable(points, func(i, j int) bool {
		a, b := attrs(points[i]), attrs(points[j])
		return a.Encoded(attribute.DefaultEncoder()) < b.Encoded(attribute.DefaultEncoder())
	})
}

// testIDGenerator generates sequential IDs, so they can be asserted.
type testIDGenerator struct {
	lock    sync.Mutex
	traceID uint64
	spanID  uint64
}

func (g *testIDGenerator) NewIDs(_ context.Context) (trace.TraceID, trace.SpanID) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.traceID++
	g.spanID++
	return toTraceID(g.traceID), toSpanID(g.spanID)
}

func (g *testIDGenerator) NewSpanID(_ context.Context, _ trace.TraceID) trace.SpanID {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.spanID++
	return toSpanID(g.spanID)
}

func toTraceID(n uint64) trace.TraceID {
	var id trace.TraceID
	binary.BigEndian.PutUint64(id[8:], n)
	return id
}

func toSpanID(n uint64) trace.SpanID {
	var id trace.SpanID
	binary.BigEndian.PutUint64(id[:], n)
	return id
}
