package ctxattr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestContextWith(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, ok := Attributes(ctx).Value("run.id")
	assert.False(t, ok)

	ctx = ContextWith(ctx, attribute.String("run.id", "run-1"), attribute.String("task", "send-email"))
	ctx = ContextWith(ctx, attribute.String("run.id", "run-2"), attribute.Int("retry", 3))

	set := Attributes(ctx)
	assert.Equal(t, 3, set.Len())

	value, ok := set.Value("run.id")
	require.True(t, ok)
	assert.Equal(t, "run-2", value.Emit())

	value, ok = set.Value("task")
	require.True(t, ok)
	assert.Equal(t, "send-email", value.Emit())

	value, ok = set.Value("retry")
	require.True(t, ok)
	assert.Equal(t, "3", value.Emit())
}
