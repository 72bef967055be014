package node_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/service/common/dependencies"
	"github.com/keboola/task-worker/internal/pkg/service/common/duration"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/config"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/service/worker/node"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type testEnv struct {
	d    dependencies.Mocked
	pipe *transport.Pipe
	node *node.Node
}

func newTestEnv(t *testing.T, modify func(cfg *config.Config), opts ...node.Option) *testEnv {
	t.Helper()

	d := dependencies.NewMocked(t)
	cfg := config.New()
	cfg.NodeID = "node-1"
	cfg.Slots = 2
	cfg.ExecutionTimeout = time.Hour
	cfg.ScheduleTimeout = time.Hour
	if modify != nil {
		modify(&cfg)
	}

	pipe := transport.NewPipe(100)
	n, err := node.New(d, cfg, pipe, opts...)
	require.NoError(t, err)
	return &testEnv{d: d, pipe: pipe, node: n}
}

func (e *testEnv) handle(t *testing.T, typ transport.MessageType, payload any) {
	t.Helper()
	require.NoError(t, e.node.Handle(context.Background(), transport.MustEnvelope(typ, payload)))
}

// next returns the next message of the type sent by the worker, other messages are skipped.
func (e *testEnv) next(t *testing.T, typ transport.MessageType) transport.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-e.pipe.Outbound():
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			require.FailNow(t, `timeout when waiting for a "`+string(typ)+`" message`)
		}
	}
}

func (e *testEnv) result(t *testing.T) transport.Result {
	t.Helper()
	var result transport.Result
	require.NoError(t, e.next(t, transport.TypeResult).Decode(&result))
	return result
}

func (e *testEnv) assertNoMessage(t *testing.T) {
	t.Helper()
	select {
	case msg := <-e.pipe.Outbound():
		assert.Fail(t, `unexpected message "`+string(msg.Type)+`": `+string(msg.Payload))
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout")
	}
}

func TestNode_RegisterTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	fn := func(ctx context.Context, tc *node.Context) (any, error) { return nil, nil }

	require.NoError(t, env.node.RegisterTask("my-task", fn))
	assert.EqualError(t, env.node.RegisterTask("my-task", fn), `task "my-task" is already registered`)
	assert.EqualError(t, env.node.RegisterTask("", fn), `task name must not be empty`)
	assert.EqualError(t, env.node.RegisterTask("other", nil), `task "other" function must not be nil`)
	assert.Equal(t, "node-1", env.node.NodeID())
}

func TestNode_Success(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var lock sync.Mutex
	var observed []any
	require.NoError(t, env.node.RegisterTask("greet", func(ctx context.Context, tc *node.Context) (any, error) {
		var input struct {
			Name string `json:"name"`
		}
		if err := tc.DecodeInput(&input); err != nil {
			return nil, err
		}
		parent, found := tc.ParentOutput("parent")

		lock.Lock()
		observed = append(observed, tc.RunID(), tc.TaskName(), tc.Retry(), tc.IsDurable(), string(parent), found, tc.Cancelled())
		lock.Unlock()

		return map[string]string{"greeting": "Hello " + input.Name}, nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{
		RunID:         "run-1",
		TaskName:      "greet",
		Input:         json.RawMessage(`{"name":"Alice"}`),
		Retry:         2,
		ParentOutputs: map[string]json.RawMessage{"parent": json.RawMessage(`"foo"`)},
	})

	result := env.result(t)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, transport.StatusSuccess, result.Status)
	assert.JSONEq(t, `{"greeting":"Hello Alice"}`, string(result.Output))
	assert.Empty(t, result.Error)
	assert.Empty(t, result.ErrorName)

	lock.Lock()
	assert.Equal(t, []any{"run-1", "greet", 2, false, `"foo"`, true, false}, observed)
	lock.Unlock()

	assert.Equal(t, 0, env.node.RunsCount())
	assert.Equal(t, 0, env.node.Slots().InFlight)
	assert.Equal(t, 2, env.node.Slots().Available)

	assert.Eventually(t, func() bool {
		spans := env.d.TestTelemetry().Spans(t)
		return len(spans) == 1 && spans[0].Name == "keboola.worker.run"
	}, time.Second, time.Millisecond)

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"run \"run-1\" started","component":"node.run","run.id":"run-1","task.name":"greet"}
{"level":"info","message":"run \"run-1\" succeeded (0s)","component":"node.run","run.id":"run-1","duration":"0s"}
`)
}

func TestNode_InvalidInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("greet", func(ctx context.Context, tc *node.Context) (any, error) {
		var input struct {
			Name string `json:"name"`
		}
		return nil, tc.DecodeInput(&input)
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "greet", Input: json.RawMessage(`[1,2]`)})

	result := env.result(t)
	assert.Equal(t, transport.StatusFailure, result.Status)
	assert.Equal(t, "userError", result.ErrorName)
	assert.Contains(t, result.Error, `cannot decode input of run "run-1"`)
}

func TestNode_UnknownTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "missing"})

	result := env.result(t)
	assert.Equal(t, transport.StatusFailure, result.Status)
	assert.Equal(t, "userError", result.ErrorName)
	assert.Equal(t, `task "missing" is not registered`, result.Error)
	assert.Equal(t, 0, env.node.RunsCount())
}

func TestNode_InvalidMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	err := env.node.Handle(ctx, transport.Envelope{Type: "foo"})
	assert.EqualError(t, err, `unexpected message type "foo"`)

	err = env.node.Handle(ctx, transport.MustEnvelope(transport.TypeAssign, transport.Assign{TaskName: "my-task"}))
	assert.EqualError(t, err, `assignment has no run id`)

	err = env.node.Handle(ctx, transport.Envelope{Type: transport.TypeCancel, Payload: json.RawMessage(`[]`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `cannot decode "cancel" message`)
}

func TestNode_Panic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("panic", func(ctx context.Context, tc *node.Context) (any, error) {
		panic("boom")
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "panic"})

	result := env.result(t)
	assert.Equal(t, transport.StatusFailure, result.Status)
	assert.Equal(t, "userError", result.ErrorName)
	assert.True(t, strings.HasPrefix(result.Error, "panic: boom, stacktrace: "), result.Error)
	assert.Equal(t, 0, env.node.RunsCount())

	assert.Contains(t, env.d.DebugLogger().ErrorMessages(), `run \"run-1\" panic: panic: boom`)
	assert.Contains(t, env.d.DebugLogger().WarnMessages(), `run \"run-1\" failed (0s): panic: boom`)
}

func TestNode_DuplicateAssign(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("block", func(ctx context.Context, tc *node.Context) (any, error) {
		close(started)
		<-release
		return "done", nil
	}))

	assign := transport.Assign{RunID: "run-1", TaskName: "block"}
	env.handle(t, transport.TypeAssign, assign)
	waitFor(t, started)

	err := env.node.Handle(context.Background(), transport.MustEnvelope(transport.TypeAssign, assign))
	require.Error(t, err)
	assert.Equal(t, 1, env.node.RunsCount())

	close(release)
	result := env.result(t)
	assert.Equal(t, transport.StatusSuccess, result.Status)
	assert.JSONEq(t, `"done"`, string(result.Output))
	env.assertNoMessage(t)
}

func TestNode_ServerCancel(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	started := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("wait", func(ctx context.Context, tc *node.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "wait"})
	waitFor(t, started)
	env.handle(t, transport.TypeCancel, transport.Cancel{RunID: "run-1", Reason: "user request"})

	result := env.result(t)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "cancelledError", result.ErrorName)
	assert.Equal(t, "server", result.Cause)
	assert.Equal(t, "run cancelled: user request", result.Error)
	assert.Equal(t, 0, env.node.RunsCount())

	// The diagnostic is suppressed, the cancellation has been requested
	assert.NotContains(t, env.d.DebugLogger().AllMessages(), "was cancelled")

	// Cancellation of an unknown run is ignored
	env.handle(t, transport.TypeCancel, transport.Cancel{RunID: "missing"})
	env.assertNoMessage(t)
}

func TestNode_CancelledWithoutRequest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("cancel", func(ctx context.Context, tc *node.Context) (any, error) {
		return nil, context.Canceled
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "cancel"})

	result := env.result(t)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "cancelledError", result.ErrorName)
	assert.Empty(t, result.Cause)

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"run \"run-1\" was cancelled: context canceled","component":"node.run"}
`)
}

func TestNode_ExecutionTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	clk := env.d.FakeClock()
	started := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("wait", func(ctx context.Context, tc *node.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{
		RunID:            "run-1",
		TaskName:         "wait",
		ExecutionTimeout: duration.From(10 * time.Second),
	})
	waitFor(t, started)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(10 * time.Second)

	result := env.result(t)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "cancelledError", result.ErrorName)
	assert.Equal(t, "timeout:execution", result.Cause)
	assert.Equal(t, 10*time.Second, result.Duration)

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"cancellation of run \"run-1\" requested: executionTimeout: execution timeout 10s exceeded","component":"supervisor"}
{"level":"info","message":"run \"run-1\" cancelled (10s): %s","component":"node.run"}
`)
	assert.Eventually(t, func() bool {
		return strings.Contains(env.d.DebugLogger().WarnMessages(), `run \"run-1\" exceeded the execution timeout 10s`)
	}, time.Second, time.Millisecond)
}

func TestNode_RefreshTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	clk := env.d.FakeClock()
	started := make(chan struct{})
	var refreshErrs []error
	require.NoError(t, env.node.RegisterTask("wait", func(ctx context.Context, tc *node.Context) (any, error) {
		refreshErrs = append(refreshErrs, tc.RefreshTimeout(0), tc.RefreshTimeout(30*time.Second))
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{
		RunID:            "run-1",
		TaskName:         "wait",
		ExecutionTimeout: duration.From(10 * time.Second),
	})
	waitFor(t, started)
	require.Len(t, refreshErrs, 2)
	require.Error(t, refreshErrs[0])
	require.NoError(t, refreshErrs[1])

	// The original deadline has been replaced
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(20 * time.Second)
	env.assertNoMessage(t)
	assert.Equal(t, 1, env.node.RunsCount())

	clk.Advance(10 * time.Second)
	result := env.result(t)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "timeout:execution", result.Cause)
}

func TestNode_ForgottenRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	clk := env.d.FakeClock()
	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("stubborn", func(ctx context.Context, tc *node.Context) (any, error) {
		defer close(finished)
		close(started)
		<-release
		return "too late", nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "stubborn"})
	waitFor(t, started)
	env.handle(t, transport.TypeCancel, transport.Cancel{RunID: "run-1", Reason: "stop"})

	// Execution timer, cancellation warning and grace period timers
	require.NoError(t, clk.BlockUntilContext(ctx, 3))
	clk.Advance(30 * time.Second)

	// The run is forgotten, the slot is released, no result is reported
	assert.Eventually(t, func() bool {
		return env.node.RunsCount() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, env.node.Slots().InFlight)
	env.assertNoMessage(t)

	// The late completion is discarded
	close(release)
	waitFor(t, finished)
	assert.Eventually(t, func() bool {
		return strings.Contains(env.d.DebugLogger().WarnMessages(), "finished after it was forgotten")
	}, time.Second, time.Millisecond)
	env.assertNoMessage(t)

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"cancellation of run \"run-1\" requested: server: stop","component":"supervisor"}
{"level":"warn","message":"run \"run-1\" did not stop within the grace period 30s, it is forgotten and its result will be discarded","component":"supervisor"}
{"level":"warn","message":"run \"run-1\" finished after it was forgotten, the result is discarded","component":"node.run"}
`)
}

func TestNode_ForgottenRun_Reassigned(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	clk := env.d.FakeClock()

	var lock sync.Mutex
	attempts := 0
	started := []chan struct{}{make(chan struct{}), make(chan struct{})}
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	finished := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("stubborn", func(ctx context.Context, tc *node.Context) (any, error) {
		lock.Lock()
		attempt := attempts
		attempts++
		lock.Unlock()

		close(started[attempt])
		<-release[attempt]
		if attempt == 0 {
			defer close(finished)
			return "stale result of attempt 1", nil
		}
		return "result of attempt 2", nil
	}))

	// The first attempt is cancelled and forgotten
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "stubborn"})
	waitFor(t, started[0])
	env.handle(t, transport.TypeCancel, transport.Cancel{RunID: "run-1", Reason: "stop"})
	require.NoError(t, clk.BlockUntilContext(ctx, 3))
	clk.Advance(30 * time.Second)
	assert.Eventually(t, func() bool {
		return env.node.RunsCount() == 0
	}, time.Second, time.Millisecond)

	// The same run id is assigned again
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "stubborn"})
	waitFor(t, started[1])
	assert.Equal(t, 1, env.node.RunsCount())

	// The late completion of the first attempt does not affect the second attempt
	close(release[0])
	waitFor(t, finished)
	assert.Eventually(t, func() bool {
		return strings.Contains(env.d.DebugLogger().WarnMessages(), "finished after it was forgotten")
	}, time.Second, time.Millisecond)
	env.assertNoMessage(t)
	assert.Equal(t, 1, env.node.RunsCount())
	assert.Equal(t, 1, env.node.Slots().InFlight)

	// The second attempt reports its own result
	close(release[1])
	result := env.result(t)
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, transport.StatusSuccess, result.Status)
	assert.JSONEq(t, `"result of attempt 2"`, string(result.Output))
	assert.Eventually(t, func() bool {
		return env.node.RunsCount() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, env.node.Slots().InFlight)
	env.assertNoMessage(t)
}

func TestNode_SlotsQueue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Slots = 1
	})
	clk := env.d.FakeClock()

	var lock sync.Mutex
	var executed []string
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("block", func(ctx context.Context, tc *node.Context) (any, error) {
		lock.Lock()
		executed = append(executed, tc.RunID())
		lock.Unlock()
		close(started)
		<-release
		return nil, nil
	}))
	require.NoError(t, env.node.RegisterTask("quick", func(ctx context.Context, tc *node.Context) (any, error) {
		lock.Lock()
		executed = append(executed, tc.RunID())
		lock.Unlock()
		return nil, nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "block"})
	waitFor(t, started)
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-2", TaskName: "quick", ScheduleTimeout: duration.From(5 * time.Second)})
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-3", TaskName: "quick"})
	assert.Equal(t, 3, env.node.RunsCount())
	assert.Equal(t, 2, env.node.Slots().Waiting)

	// Execution timer of run-1, schedule timers of run-2 and run-3
	require.NoError(t, clk.BlockUntilContext(ctx, 3))
	clk.Advance(5 * time.Second)

	result := env.result(t)
	assert.Equal(t, "run-2", result.RunID)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "timeout:schedule", result.Cause)
	assert.Equal(t, 2, env.node.RunsCount())

	// Run-3 is admitted after run-1 is completed
	close(release)
	results := make(map[string]transport.Status)
	for range 2 {
		r := env.result(t)
		results[r.RunID] = r.Status
	}
	assert.Equal(t, map[string]transport.Status{"run-1": transport.StatusSuccess, "run-3": transport.StatusSuccess}, results)

	lock.Lock()
	assert.Equal(t, []string{"run-1", "run-3"}, executed)
	lock.Unlock()
	assert.Equal(t, 0, env.node.RunsCount())
}

func TestNode_DurableSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := durable.NewMemoryStore()
	env := newTestEnv(t, nil, node.WithStore(store))
	clk := env.d.FakeClock()
	require.NoError(t, env.node.RegisterTask("sleep", func(ctx context.Context, tc *node.Context) (any, error) {
		if err := tc.SleepFor(ctx, time.Minute); err != nil {
			return nil, err
		}
		return "awake", nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "sleep", IsDurable: true})

	// Execution timer and the sleep timer
	require.NoError(t, clk.BlockUntilContext(ctx, 2))
	records, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, durable.RecordPending, records[0].State)

	clk.Advance(time.Minute)
	result := env.result(t)
	assert.Equal(t, transport.StatusSuccess, result.Status)
	assert.JSONEq(t, `"awake"`, string(result.Output))

	// Checkpoints are deleted after the result is delivered
	assert.Eventually(t, func() bool {
		records, err := store.Load(ctx, "run-1")
		return err == nil && len(records) == 0
	}, time.Second, time.Millisecond)
}

func TestNode_Event(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	started := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("approve", func(ctx context.Context, tc *node.Context) (any, error) {
		<-started
		resolution, err := tc.WaitFor(ctx, durable.Event("approved", nil))
		if err != nil {
			return nil, err
		}
		return resolution.Payload, nil
	}))

	// Events for untracked runs are dropped
	env.handle(t, transport.TypeEvent, transport.Event{RunID: "run-1", Key: "approved", Payload: json.RawMessage(`{"by":"nobody"}`)})

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "approve"})
	env.handle(t, transport.TypeEvent, transport.Event{RunID: "run-1", Key: "approved", Payload: json.RawMessage(`{"by":"Alice"}`)})
	close(started)

	result := env.result(t)
	assert.Equal(t, transport.StatusSuccess, result.Status)
	assert.JSONEq(t, `{"by":"Alice"}`, string(result.Output))

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"debug","message":"event \"approved\" ignored, run \"run-1\" is not tracked","component":"node"}
`)
}

func TestNode_PutStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("stream", func(ctx context.Context, tc *node.Context) (any, error) {
		for i := range 3 {
			if err := tc.PutStream(ctx, map[string]int{"chunk": i}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "stream"})

	var streamID string
	for i := range 3 {
		var chunk transport.StreamChunk
		require.NoError(t, env.next(t, transport.TypeStream).Decode(&chunk))
		assert.Equal(t, "run-1", chunk.RunID)
		assert.Equal(t, uint64(i), chunk.Sequence)
		if i == 0 {
			streamID = chunk.StreamID
			assert.NotEmpty(t, streamID)
		} else {
			assert.Equal(t, streamID, chunk.StreamID)
		}
		data, err := json.Encode(map[string]int{"chunk": i}, false)
		require.NoError(t, err)
		assert.JSONEq(t, string(data), string(chunk.Data))
	}

	assert.Equal(t, transport.StatusSuccess, env.result(t).Status)
}

func TestNode_TraceContext(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("quick", func(ctx context.Context, tc *node.Context) (any, error) {
		return nil, nil
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{
		RunID:        "run-1",
		TaskName:     "quick",
		TraceContext: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	require.Equal(t, transport.StatusSuccess, env.result(t).Status)

	env.handle(t, transport.TypeAssign, transport.Assign{
		RunID:        "run-2",
		TaskName:     "quick",
		TraceContext: map[string]string{"b3": "80f198ee56343ba864fe8b2a57d3eff7-e457b5a2e4d86bd1-1"},
	})
	require.Equal(t, transport.StatusSuccess, env.result(t).Status)

	assert.Eventually(t, func() bool {
		return len(env.d.TestTelemetry().Spans(t)) == 2
	}, time.Second, time.Millisecond)

	parents := make(map[string]bool)
	for _, span := range env.d.TestTelemetry().Spans(t) {
		assert.True(t, span.Parent.IsRemote())
		parents[span.Parent.TraceID().String()+"/"+span.Parent.SpanID().String()] = true
	}
	assert.Equal(t, map[string]bool{
		"4bf92f3577b34da6a3ce929d0e0e4736/00f067aa0ba902b7": true,
		"80f198ee56343ba864fe8b2a57d3eff7/e457b5a2e4d86bd1": true,
	}, parents)
}

func TestNode_Shutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	started := make(chan struct{})
	require.NoError(t, env.node.RegisterTask("wait", func(ctx context.Context, tc *node.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))

	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "wait"})
	waitFor(t, started)

	env.node.Shutdown(ctx)
	assert.Equal(t, 0, env.node.RunsCount())

	result := env.result(t)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, "shutdown", result.Cause)

	// New assignments are rejected
	env.handle(t, transport.TypeAssign, transport.Assign{RunID: "run-2", TaskName: "wait"})
	result = env.result(t)
	assert.Equal(t, "run-2", result.RunID)
	assert.Equal(t, transport.StatusCancelled, result.Status)
	assert.Equal(t, 0, env.node.RunsCount())

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"received shutdown request","component":"node"}
{"level":"info","message":"cancelling \"1\" runs","component":"node"}
{"level":"info","message":"shutdown done","component":"node"}
{"level":"info","message":"run \"run-2\" rejected, the node is shutting down","component":"node"}
`)
}

func TestNode_Run(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env := newTestEnv(t, nil)
	require.NoError(t, env.node.RegisterTask("quick", func(ctx context.Context, tc *node.Context) (any, error) {
		return "ok", nil
	}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.node.Run(ctx)
	}()

	// Initial slots report
	var slots transport.SlotAvailability
	require.NoError(t, env.next(t, transport.TypeSlots).Decode(&slots))
	assert.Equal(t, transport.SlotAvailability{NodeID: "node-1", Capacity: 2, InFlight: 0, Available: 2}, slots)

	require.NoError(t, env.pipe.Deliver(ctx, transport.TypeAssign, transport.Assign{RunID: "run-1", TaskName: "quick"}))
	result := env.result(t)
	assert.Equal(t, transport.StatusSuccess, result.Status)

	// The periodic report
	require.NoError(t, env.d.FakeClock().BlockUntilContext(ctx, 1))
	env.d.FakeClock().Advance(10 * time.Second)
	for slots.InFlight != 0 || slots.Available != 2 {
		require.NoError(t, env.next(t, transport.TypeSlots).Decode(&slots))
	}

	// An invalid message doesn't stop the loop
	require.NoError(t, env.pipe.Deliver(ctx, "foo", nil))
	assert.Eventually(t, func() bool {
		return strings.Contains(env.d.DebugLogger().WarnMessages(), `cannot handle \"foo\" message`)
	}, time.Second, time.Millisecond)

	require.NoError(t, env.pipe.Close("bye"))
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-ctx.Done():
		require.FailNow(t, "timeout")
	}

	env.d.DebugLogger().AssertJSONMessages(t, `
{"level":"info","message":"worker node \"node-1\" is ready, slots: 2","component":"node"}
{"level":"info","message":"connection closed","component":"node"}
`)
}

func TestNode_Run_TransportError(t *testing.T) {
	t.Parallel()

	d := dependencies.NewMocked(t)
	cfg := config.New()
	n, err := node.New(d, cfg, &failingConn{})
	require.NoError(t, err)

	err = n.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "connection reset", err.Error())
	assert.Equal(t, d.Process().UniqueID(), n.NodeID())
}

// failingConn fails on Receive with a transport error.
type failingConn struct{}

func (c *failingConn) Receive(context.Context) (transport.Envelope, error) {
	return transport.Envelope{}, svcErrors.NewTransportError(errors.New("connection reset"))
}

func (c *failingConn) Send(context.Context, transport.Envelope) error {
	return nil
}

func (c *failingConn) Close(string) error {
	return nil
}
