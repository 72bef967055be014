package bulk_test

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/service/common/dependencies"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/bulk"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

func TestDeliverer_PushEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := dependencies.NewMocked(t)
	pipe := transport.NewPipe(10)
	deliverer := bulk.New(d, pipe, 2, 1000)

	events := []transport.EventPush{
		{Key: "a", Payload: json.RawMessage(`1`)},
		{Key: "b", Payload: json.RawMessage(`2`)},
		{Key: "c", Payload: json.RawMessage(`3`)},
	}
	report, err := deliverer.PushEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 2, report.DeliveredBatches)
	assert.Equal(t, 3, report.DeliveredItems)

	id, err := uuid.FromString(report.RequestID)
	require.NoError(t, err)
	assert.Equal(t, uuid.V7, id.Version())

	// Batches are sent in order, concatenation reproduces the input
	var all []transport.EventPush
	for i := 0; i < 2; i++ {
		msg := <-pipe.Outbound()
		assert.Equal(t, transport.TypePushEvents, msg.Type)
		var b transport.Bulk[transport.EventPush]
		require.NoError(t, msg.Decode(&b))
		assert.Equal(t, report.RequestID, b.RequestID)
		assert.Equal(t, i, b.BatchIndex)
		assert.Equal(t, 2, b.BatchCount)
		all = append(all, b.Items...)
	}
	assert.Equal(t, events, all)
}

func TestDeliverer_TriggerWorkflows_Empty(t *testing.T) {
	t.Parallel()

	d := dependencies.NewMocked(t)
	pipe := transport.NewPipe(10)
	report, err := bulk.New(d, pipe, 2, 1000).TriggerWorkflows(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Batches)
	assert.Empty(t, pipe.Outbound())
}

func TestDeliverer_InvalidBounds(t *testing.T) {
	t.Parallel()

	d := dependencies.NewMocked(t)
	pipe := transport.NewPipe(10)
	_, err := bulk.New(d, pipe, 0, 1000).TriggerWorkflows(context.Background(), []transport.WorkflowTrigger{{Workflow: "wf"}})
	require.Error(t, err)
	var configErr svcErrors.ConfigError
	assert.True(t, errors.As(err, &configErr))
	assert.Empty(t, pipe.Outbound())
}

func TestDeliverer_SendError(t *testing.T) {
	t.Parallel()

	d := dependencies.NewMocked(t)
	pipe := transport.NewPipe(1)
	require.NoError(t, pipe.Close("closed"))

	report, err := bulk.New(d, pipe, 1, 1000).TriggerWorkflows(context.Background(), []transport.WorkflowTrigger{{Workflow: "a"}, {Workflow: "b"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrClosed))
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 0, report.DeliveredBatches)
}
