package node

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/keboola/task-worker/internal/pkg/ctxattr"
	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/log"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/service/worker/registry"
	"github.com/keboola/task-worker/internal/pkg/service/worker/slot"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

// HandleAssign registers the run and starts it in the background.
// A duplicate assignment of a tracked run is rejected, the tracked run reports the result.
func (n *Node) HandleAssign(ctx context.Context, assign transport.Assign) error {
	if assign.RunID == "" {
		return errors.New("assignment has no run id")
	}

	runCtx := ctxattr.ContextWith(
		context.WithoutCancel(ctx),
		attribute.String("run.id", assign.RunID),
		attribute.String("task.name", assign.TaskName),
	)
	if len(assign.TraceContext) > 0 {
		runCtx = n.propagator.Extract(runCtx, propagation.MapCarrier(assign.TraceContext))
	}

	startedAt := n.clock.Now()

	if n.draining.Load() {
		n.logger.Infof(runCtx, `run "%s" rejected, the node is shutting down`, assign.RunID)
		n.report(runCtx, assign, startedAt, nil, cancellation.ShutdownReason().Err())
		return nil
	}

	n.tasksLock.RLock()
	fn, found := n.tasks[assign.TaskName]
	n.tasksLock.RUnlock()
	if !found {
		err := svcErrors.NewUserError(errors.Errorf(`task "%s" is not registered`, assign.TaskName))
		n.report(runCtx, assign, startedAt, nil, err)
		return nil
	}

	token, setOperation, err := n.registry.Register(runCtx, registry.Run{
		ID:         assign.RunID,
		TaskName:   assign.TaskName,
		AssignedAt: assign.AssignedAt,
		Priority:   assign.Priority,
		IsDurable:  assign.IsDurable,
	})
	if err != nil {
		return err
	}

	n.timeouts.ArmSchedule(assign.RunID, assign.ScheduleTimeout.OrDefault(n.config.ScheduleTimeout))
	n.logger.Debugf(runCtx, `run "%s" assigned`, assign.RunID)

	// The queue position is taken synchronously, in the order of assignments
	ticket := n.slots.Enqueue(assign.RunID)
	go n.admitAndRun(runCtx, assign, fn, token, setOperation, ticket)
	return nil
}

func (n *Node) admitAndRun(ctx context.Context, assign transport.Assign, fn Fn, token *cancellation.Token, setOperation func(registry.Operation), ticket *slot.Ticket) {
	startedAt := n.clock.Now()

	// Wait for a slot, until the run is cancelled, for example by the schedule timeout
	admitCtx, cancelAdmit := context.WithCancelCause(ctx)
	unregister := token.OnAbort(func(reason cancellation.Reason) { cancelAdmit(reason.Err()) })
	err := ticket.Wait(admitCtx)
	unregister()
	cancelAdmit(nil)

	if err != nil {
		if _, removed := n.registry.RemoveEntry(assign.RunID, token, registry.RemoveNotAdmitted); removed {
			if tokenErr := token.Err(); tokenErr != nil {
				err = tokenErr
			}
			n.report(ctx, assign, startedAt, nil, err)
		}
		return
	}

	// The run may have been removed while the slot was acquired
	if !n.registry.Owns(assign.RunID, token) {
		// A new registration of the same id shares the held slot and releases it on its removal
		if _, found := n.registry.Lookup(assign.RunID); !found {
			n.slots.Release(assign.RunID)
		}
		return
	}

	n.timeouts.StartExecution(assign.RunID, assign.ExecutionTimeout.OrDefault(n.config.ExecutionTimeout))
	n.execute(ctx, assign, fn, token, setOperation)
}

func (n *Node) execute(ctx context.Context, assign transport.Assign, fn Fn, token *cancellation.Token, setOperation func(registry.Operation)) {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	setOperation(registry.OperationFunc(func(reason cancellation.Reason) {
		cancelRun(reason.Err())
	}))

	runCtx, span := n.tracer.Start(runCtx, spanName, trace.WithAttributes(
		attribute.String("run.id", assign.RunID),
		attribute.String("task.name", assign.TaskName),
		attribute.String("node.id", n.nodeID),
		attribute.Int("priority", assign.Priority),
		attribute.Int("retry", assign.Retry),
		attribute.Bool("is_durable", assign.IsDurable),
		attribute.StringSlice("concurrency_keys", assign.ConcurrencyKeys),
	))

	logger := n.logger.WithComponent("run")
	startedAt := n.clock.Now()
	logger.Infof(runCtx, `run "%s" started`, assign.RunID)

	var output any
	var err error
	defer func() {
		span.End(&err)
	}()

	tc, err := n.newContext(runCtx, assign, token, logger)
	if err == nil {
		output, err = invoke(runCtx, logger, fn, tc)
	}
	err = n.normalizeError(err, token)

	// The suppression state is cleared by the removal, check it before
	if err != nil && svcErrors.IsCancellation(err) && n.registry.Owns(assign.RunID, token) && !n.supervisor.IsCancelling(assign.RunID) {
		logger.Infof(runCtx, `run "%s" was cancelled: %s`, assign.RunID, err)
	}

	// Exactly-once removal, the forced forgetting may have been faster.
	// The id may have been registered again, only the own registration is removed.
	if _, removed := n.registry.RemoveEntry(assign.RunID, token, registry.RemoveCompleted); !removed {
		logger.Warnf(runCtx, `run "%s" finished after it was forgotten, the result is discarded`, assign.RunID)
		return
	}

	span.SetAttributes(attribute.String("status", string(svcErrors.StatusFrom(err))))
	if n.report(runCtx, assign, startedAt, output, err) && assign.IsDurable {
		if delErr := n.store.Delete(runCtx, assign.RunID); delErr != nil {
			logger.Warnf(runCtx, `cannot delete checkpoints of run "%s": %s`, assign.RunID, delErr)
		}
	}
}

func (n *Node) newContext(ctx context.Context, assign transport.Assign, token *cancellation.Token, logger log.Logger) (*Context, error) {
	opts := []durable.Option{
		durable.WithInbox(n.inbox),
		durable.WithParentOutputs(assign.ParentOutputs),
		durable.WithToken(token),
	}
	if assign.IsDurable {
		opts = append(opts, durable.WithStore(n.store))
	}

	continuation, err := durable.Open(ctx, n.deps, assign.RunID, opts...)
	if err != nil {
		return nil, err
	}

	return newContext(n, assign, token, continuation, logger), nil
}

// invoke calls the task function, a panic is converted to an error.
func invoke(ctx context.Context, logger log.Logger, fn Fn, tc *Context) (output any, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = errors.Errorf("panic: %s, stacktrace: %s", panicErr, string(debug.Stack()))
			logger.Errorf(ctx, `run "%s" panic: %s`, tc.RunID(), err)
		}
	}()
	return fn(ctx, tc)
}

// normalizeError maps the error returned by the task function to the worker error taxonomy.
func (n *Node) normalizeError(err error, token *cancellation.Token) error {
	if err == nil {
		return nil
	}

	// The function observed the cancellation
	if tokenErr := token.Err(); tokenErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || svcErrors.IsCancellation(err)) {
		return tokenErr
	}

	var named svcErrors.WithName
	if errors.As(err, &named) {
		return err
	}
	return svcErrors.NewUserError(err)
}

// report sends the result to the server, the result is true if it has been delivered.
func (n *Node) report(ctx context.Context, assign transport.Assign, startedAt time.Time, output any, err error) bool {
	duration := n.clock.Since(startedAt)
	result := transport.Result{
		RunID:    assign.RunID,
		Status:   svcErrors.StatusFrom(err),
		Duration: duration,
	}

	if err == nil && output != nil {
		encoded, encErr := json.Encode(output, false)
		if encErr != nil {
			err = svcErrors.NewUserError(errors.PrefixError(encErr, "cannot encode output"))
			result.Status = svcErrors.StatusFrom(err)
		} else {
			result.Output = encoded
		}
	}

	logger := n.logger.WithComponent("run").WithDuration(duration)
	if err != nil {
		result.Error = err.Error()
		result.ErrorName = svcErrors.NameFrom(err)
		result.Cause = svcErrors.CauseFrom(err)
	}

	switch result.Status {
	case transport.StatusSuccess:
		logger.Infof(ctx, `run "%s" succeeded (%s)`, assign.RunID, duration)
	case transport.StatusCancelled:
		logger.Infof(ctx, `run "%s" cancelled (%s): %s`, assign.RunID, duration, err)
	default:
		logger.Warnf(ctx, `run "%s" failed (%s): %s`, assign.RunID, duration, errors.Format(err))
	}

	n.metrics.RecordResult(ctx, assign.TaskName, string(result.Status), result.ErrorName, assign.IsDurable, duration)

	if sendErr := transport.SendMessage(ctx, n.sender, transport.TypeResult, result); sendErr != nil {
		logger.Errorf(ctx, `cannot report result of run "%s": %s`, assign.RunID, sendErr)
		return false
	}
	return true
}
