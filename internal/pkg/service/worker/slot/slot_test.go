package slot_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/slot"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

func TestNew_InvalidCapacity(t *testing.T) {
	t.Parallel()

	_, err := slot.New(0)
	require.Error(t, err)
	var configErr svcErrors.ConfigError
	assert.True(t, errors.As(err, &configErr))
	assert.Equal(t, "slots capacity must be positive, found 0", err.Error())
}

func TestScheduler_TryAdmit(t *testing.T) {
	t.Parallel()

	s, err := slot.New(2)
	require.NoError(t, err)

	var states []slot.State
	s.OnChange(func(state slot.State) { states = append(states, state) })

	assert.True(t, s.TryAdmit("run-1"))
	assert.True(t, s.TryAdmit("run-1")) // already holds the slot
	assert.True(t, s.TryAdmit("run-2"))
	assert.False(t, s.TryAdmit("run-3"))
	assert.Equal(t, 2, s.InFlight())
	assert.Equal(t, 0, s.Available())

	assert.True(t, s.Release("run-1"))
	assert.False(t, s.Release("run-1"))
	assert.True(t, s.TryAdmit("run-3"))

	assert.Equal(t, []slot.State{
		{Capacity: 2, InFlight: 1, Available: 1},
		{Capacity: 2, InFlight: 2, Available: 0},
		{Capacity: 2, InFlight: 1, Available: 1},
		{Capacity: 2, InFlight: 2, Available: 0},
	}, states)
}

func TestScheduler_Wait_FIFO(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := slot.New(1)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue("run-0").Wait(ctx))

	var lock sync.Mutex
	var order []string
	wg := &sync.WaitGroup{}
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if assert.NoError(t, s.Enqueue(id).Wait(ctx)) {
				lock.Lock()
				order = append(order, id)
				lock.Unlock()
				s.Release(id)
			}
		}()
		// Wait until the goroutine is waiting
		time.Sleep(20 * time.Millisecond)
	}

	// TryAdmit cannot jump the queue
	assert.False(t, s.TryAdmit("run-4"))

	s.Release("run-0")
	wg.Wait()
	assert.Equal(t, []string{"run-1", "run-2", "run-3"}, order)
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_Wait_ContextCancelled(t *testing.T) {
	t.Parallel()

	s, err := slot.New(1)
	require.NoError(t, err)
	assert.True(t, s.TryAdmit("run-1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Enqueue("run-2").Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.InFlight())
}

func TestScheduler_Enqueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := slot.New(1)
	require.NoError(t, err)

	// The first ticket is admitted immediately
	first := s.Enqueue("run-1")
	require.NoError(t, first.Wait(ctx))

	// The queue order is given by the Enqueue calls, not by the Wait calls
	second := s.Enqueue("run-2")
	third := s.Enqueue("run-3")
	assert.Equal(t, slot.State{Capacity: 1, InFlight: 1, Waiting: 2, Available: 0}, s.State())

	// Cancelled ticket gives up the position
	cancelledCtx, cancelWait := context.WithCancel(ctx)
	cancelWait()
	assert.ErrorIs(t, second.Wait(cancelledCtx), context.Canceled)
	assert.Equal(t, 1, s.State().Waiting)

	assert.True(t, s.Release("run-1"))
	require.NoError(t, third.Wait(ctx))
	assert.Equal(t, slot.State{Capacity: 1, InFlight: 1, Waiting: 0, Available: 0}, s.State())

	assert.True(t, s.Release("run-3"))
	assert.Equal(t, 0, s.InFlight())
}

func TestScheduler_Enqueue_Immediate(t *testing.T) {
	t.Parallel()

	s, err := slot.New(1)
	require.NoError(t, err)

	var states []slot.State
	s.OnChange(func(state slot.State) { states = append(states, state) })

	// The free slot is acquired without waiting, the ticket is ready
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Enqueue("run-1").Wait(ctx))

	// The same run already holds the slot
	require.NoError(t, s.Enqueue("run-1").Wait(ctx))

	// The next run waits
	assert.False(t, s.TryAdmit("run-2"))
	second := s.Enqueue("run-2")
	assert.Equal(t, 1, s.State().Waiting)

	assert.True(t, s.Release("run-1"))
	require.NoError(t, second.Wait(context.Background()))

	assert.Equal(t, []slot.State{
		{Capacity: 1, InFlight: 1, Available: 0},
		{Capacity: 1, InFlight: 1, Available: 0},
	}, states)
}
