package node

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/idgenerator"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

// Context is passed to the task function.
type Context struct {
	node         *Node
	assign       transport.Assign
	token        *cancellation.Token
	continuation *durable.Continuation
	logger       log.Logger
	streamID     string
	streamSeq    *atomic.Uint64
}

func newContext(n *Node, assign transport.Assign, token *cancellation.Token, continuation *durable.Continuation, logger log.Logger) *Context {
	return &Context{
		node:         n,
		assign:       assign,
		token:        token,
		continuation: continuation,
		logger:       logger,
		streamID:     idgenerator.StreamID(),
		streamSeq:    atomic.NewUint64(0),
	}
}

func (c *Context) RunID() string {
	return c.assign.RunID
}

func (c *Context) TaskName() string {
	return c.assign.TaskName
}

// Retry is the attempt number assigned by the server.
func (c *Context) Retry() int {
	return c.assign.Retry
}

func (c *Context) IsDurable() bool {
	return c.assign.IsDurable
}

func (c *Context) Input() json.RawMessage {
	return c.assign.Input
}

func (c *Context) DecodeInput(target any) error {
	if len(c.assign.Input) == 0 {
		return nil
	}
	if err := json.Decode(c.assign.Input, target); err != nil {
		return errors.PrefixErrorf(err, `cannot decode input of run "%s"`, c.assign.RunID)
	}
	return nil
}

// ParentOutput returns the output of a finished parent run.
func (c *Context) ParentOutput(parent string) (json.RawMessage, bool) {
	v, ok := c.assign.ParentOutputs[parent]
	return v, ok
}

func (c *Context) Logger() log.Logger {
	return c.logger
}

// Cancelled returns true if the cancellation of the run has been requested.
func (c *Context) Cancelled() bool {
	return c.token.Aborted()
}

func (c *Context) Token() *cancellation.Token {
	return c.token
}

// RefreshTimeout replaces the remaining execution budget, the new deadline is now+d.
func (c *Context) RefreshTimeout(d time.Duration) error {
	_, err := c.node.timeouts.Refresh(c.assign.RunID, d)
	return err
}

// SleepFor suspends the run. A durable run resumes the sleep on replay.
func (c *Context) SleepFor(ctx context.Context, d time.Duration) error {
	return c.continuation.SleepFor(ctx, d)
}

// WaitFor suspends the run until the condition is satisfied. A durable run replays the resolution.
func (c *Context) WaitFor(ctx context.Context, condition durable.Condition) (durable.Resolution, error) {
	return c.continuation.WaitFor(ctx, condition)
}

// PutStream sends a chunk of the output stream, chunks are numbered in the call order.
func (c *Context) PutStream(ctx context.Context, data any) error {
	encoded, err := json.Encode(data, false)
	if err != nil {
		return errors.PrefixError(err, "cannot encode stream chunk")
	}

	chunk := transport.StreamChunk{
		RunID:    c.assign.RunID,
		StreamID: c.streamID,
		Sequence: c.streamSeq.Inc() - 1,
		Data:     encoded,
	}
	return transport.SendMessage(ctx, c.node.sender, transport.TypeStream, chunk)
}
