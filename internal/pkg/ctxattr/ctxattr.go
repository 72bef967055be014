// Package ctxattr stores OpenTelemetry attributes in a context.
// The attributes are attached to all log records written with the context.
package ctxattr

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

type ctxKey string

const attrsCtxKey = ctxKey("ctxattr")

// ContextWith returns a new context with the attributes merged to the existing ones.
// A later attribute with the same key replaces the previous value.
func ContextWith(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	set := Attributes(ctx)
	merged := attribute.NewSet(append(set.ToSlice(), attrs...)...)
	return context.WithValue(ctx, attrsCtxKey, &merged)
}

// Attributes returns all attributes from the context, the set may be empty.
func Attributes(ctx context.Context) *attribute.Set {
	if set, ok := ctx.Value(attrsCtxKey).(*attribute.Set); ok {
		return set
	}
	empty := attribute.NewSet()
	return &empty
}
