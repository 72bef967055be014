package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Tracer interface {
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, Span)
}

// Span wraps trace.Span, End records the error, if any.
type Span interface {
	End(errPtr *error, opts ...trace.SpanEndOption)
	SetAttributes(kv ...attribute.KeyValue)
	AddEvent(name string, opts ...trace.EventOption)
}

type tracer struct {
	tracer trace.Tracer
}

type spanWrapper struct {
	span trace.Span
}

func (t *tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, spanName, opts...)
	return ctx, &spanWrapper{span: span}
}

func (s *spanWrapper) SetAttributes(kv ...attribute.KeyValue) {
	s.span.SetAttributes(kv...)
}

func (s *spanWrapper) AddEvent(name string, opts ...trace.EventOption) {
	s.span.AddEvent(name, opts...)
}

func (s *spanWrapper) End(errPtr *error, opts ...trace.SpanEndOption) {
	if errPtr != nil {
		err := *errPtr
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		} else {
			s.span.SetStatus(codes.Ok, "")
		}
	}
	s.span.End(opts...)
}
