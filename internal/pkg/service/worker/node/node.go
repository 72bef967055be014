// Package node provides the worker node.
//
// The node receives assignments, cancellations and events from the server.
// Each assignment is registered in the Run Registry immediately, so a cancellation is always resolved against the registry.
// Then the run waits for a slot, the waiting is limited by the schedule timeout.
// The task function is executed cooperatively, it must observe the context or the cancellation token.
// Exactly one result is reported for each run, except a run forgotten after the cancellation grace period.
package node

import (
	"context"
	"sync"

	"github.com/ccoveille/go-safecast"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/atomic"

	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/bulk"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/service/worker/config"
	"github.com/keboola/task-worker/internal/pkg/service/worker/delivery"
	"github.com/keboola/task-worker/internal/pkg/service/worker/durable"
	"github.com/keboola/task-worker/internal/pkg/service/worker/metrics"
	"github.com/keboola/task-worker/internal/pkg/service/worker/registry"
	"github.com/keboola/task-worker/internal/pkg/service/worker/slot"
	"github.com/keboola/task-worker/internal/pkg/service/worker/supervisor"
	"github.com/keboola/task-worker/internal/pkg/service/worker/timeout"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const spanName = "keboola.worker.run"

// Fn is a task function. The output is encoded to JSON.
// The ctx is cancelled when the run is cancelled, the function should return soon after that.
type Fn func(ctx context.Context, tc *Context) (output any, err error)

type Node struct {
	nodeID     string
	config     config.Config
	clock      clockwork.Clock
	logger     log.Logger
	deps       dependencies
	tracer     telemetry.Tracer
	propagator propagation.TextMapPropagator
	metrics    *metrics.Metrics

	conn       transport.Conn
	sender     *delivery.Sender
	bulk       *bulk.Deliverer
	registry   *registry.Registry
	slots      *slot.Scheduler
	supervisor *supervisor.Supervisor
	timeouts   *timeout.Manager
	store      durable.Store
	inbox      *durable.Inbox

	tasksLock sync.RWMutex
	tasks     map[string]Fn

	draining     *atomic.Bool
	slotsChanged chan struct{}
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Process() *servicectx.Process
}

type Option func(n *Node)

// WithStore sets the checkpoint store of durable runs, the default is the memory store.
func WithStore(store durable.Store) Option {
	return func(n *Node) {
		n.store = store
	}
}

func New(d dependencies, cfg config.Config, conn transport.Conn, opts ...Option) (*Node, error) {
	proc := d.Process()

	slots, err := slot.New(cfg.Slots)
	if err != nil {
		return nil, err
	}

	maxBytes, err := safecast.ToInt(cfg.BatchMaxBytes.Bytes())
	if err != nil {
		return nil, svcErrors.NewConfigError(errors.PrefixError(err, "invalid batch max bytes"))
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = proc.UniqueID()
	}

	n := &Node{
		nodeID:       nodeID,
		config:       cfg,
		clock:        d.Clock(),
		logger:       d.Logger().WithComponent("node"),
		deps:         d,
		tracer:       d.Telemetry().Tracer(),
		propagator:   propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, b3.New()),
		metrics:      metrics.New(d.Telemetry().Meter()),
		conn:         conn,
		registry:     registry.New(d.Clock()),
		slots:        slots,
		store:        durable.NewMemoryStore(),
		inbox:        durable.NewInbox(),
		tasks:        make(map[string]Fn),
		draining:     atomic.NewBool(false),
		slotsChanged: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(n)
	}

	n.supervisor, err = supervisor.New(d, n.registry, n.metrics, supervisor.Config{
		WarningThreshold: cfg.CancellationWarningThreshold,
		GracePeriod:      cfg.CancellationGracePeriod,
	})
	if err != nil {
		return nil, err
	}

	n.timeouts = timeout.New(d, n.registry, n.supervisor, n.metrics)

	n.sender, err = delivery.NewSender(d, conn, n.metrics, cfg.Retries)
	if err != nil {
		return nil, err
	}

	n.bulk = bulk.New(d, n.sender, cfg.BatchMaxCount, maxBytes)

	// Completion, forced forgetting and not admitted run release the slot
	n.registry.OnRemove(func(entry registry.Entry, _ registry.RemoveCause) {
		n.slots.Release(entry.Run.ID)
		n.inbox.Forget(entry.Run.ID)
	})

	n.slots.OnChange(func(state slot.State) {
		n.metrics.RecordSlots(context.Background(), state.InFlight, state.Available)
		select {
		case n.slotsChanged <- struct{}{}:
		default:
		}
	})

	// Graceful shutdown
	proc.OnShutdown(func(ctx context.Context) {
		n.Shutdown(ctx)
	})

	return n, nil
}

func (n *Node) NodeID() string {
	return n.nodeID
}

// RegisterTask registers the function for assignments with the task name.
func (n *Node) RegisterTask(name string, fn Fn) error {
	if name == "" {
		return errors.New("task name must not be empty")
	}
	if fn == nil {
		return errors.Errorf(`task "%s" function must not be nil`, name)
	}

	n.tasksLock.Lock()
	defer n.tasksLock.Unlock()
	if _, found := n.tasks[name]; found {
		return errors.Errorf(`task "%s" is already registered`, name)
	}
	n.tasks[name] = fn
	return nil
}

// RunsCount returns the number of tracked runs, including the runs waiting for a slot.
func (n *Node) RunsCount() int {
	return n.registry.Len()
}

// Slots returns the current state of the slots.
func (n *Node) Slots() slot.State {
	return n.slots.State()
}

// PushEvents delivers events to the server, the request is split into batches.
func (n *Node) PushEvents(ctx context.Context, events []transport.EventPush) (bulk.Report, error) {
	return n.bulk.PushEvents(ctx, events)
}

// TriggerWorkflows delivers workflow triggers to the server, the request is split into batches.
func (n *Node) TriggerWorkflows(ctx context.Context, triggers []transport.WorkflowTrigger) (bulk.Report, error) {
	return n.bulk.TriggerWorkflows(ctx, triggers)
}

// Run receives messages until the context is cancelled or the connection is closed.
// The slots availability is reported periodically and after each change.
func (n *Node) Run(ctx context.Context) error {
	// The reporter is cancelled before the wait
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	reporterCtx, cancelReporter := context.WithCancel(ctx)
	defer cancelReporter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.reportSlotsLoop(reporterCtx)
	}()

	n.logger.Infof(ctx, `worker node "%s" is ready, slots: %d`, n.nodeID, n.config.Slots)
	for {
		msg, err := n.conn.Receive(ctx)
		if err != nil {
			var transportErr svcErrors.TransportError
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrClosed):
				n.logger.Info(ctx, "connection closed")
				return nil
			case errors.As(err, &transportErr):
				return err
			default:
				n.logger.Warnf(ctx, `cannot receive message: %s`, err)
				continue
			}
		}

		if err := n.Handle(ctx, msg); err != nil {
			n.logger.Warnf(ctx, `cannot handle "%s" message: %s`, msg.Type, err)
		}
	}
}

// Handle processes one message from the server.
func (n *Node) Handle(ctx context.Context, msg transport.Envelope) error {
	switch msg.Type {
	case transport.TypeAssign:
		var assign transport.Assign
		if err := msg.Decode(&assign); err != nil {
			return err
		}
		return n.HandleAssign(ctx, assign)
	case transport.TypeCancel:
		var cancel transport.Cancel
		if err := msg.Decode(&cancel); err != nil {
			return err
		}
		n.HandleCancel(ctx, cancel)
		return nil
	case transport.TypeEvent:
		var event transport.Event
		if err := msg.Decode(&event); err != nil {
			return err
		}
		n.HandleEvent(ctx, event)
		return nil
	default:
		return errors.Errorf(`unexpected message type "%s"`, msg.Type)
	}
}

// HandleCancel resolves the cancellation request against the registry.
func (n *Node) HandleCancel(ctx context.Context, msg transport.Cancel) bool {
	return n.supervisor.Cancel(ctx, msg.RunID, cancellation.ServerReason(msg.Reason))
}

// HandleEvent delivers the event to waits of the run.
func (n *Node) HandleEvent(ctx context.Context, msg transport.Event) {
	if _, found := n.registry.Lookup(msg.RunID); !found {
		n.logger.Debugf(ctx, `event "%s" ignored, run "%s" is not tracked`, msg.Key, msg.RunID)
		return
	}
	n.inbox.Deliver(msg.RunID, msg.Key, msg.Payload)
}

// Shutdown stops admitting runs, cancels all tracked runs and waits until they are removed.
// A run is removed when it completes or when it is forgotten after the grace period.
func (n *Node) Shutdown(ctx context.Context) {
	if !n.draining.CompareAndSwap(false, true) {
		return
	}

	n.logger.Info(ctx, "received shutdown request")
	if ids := n.registry.IDs(); len(ids) > 0 {
		n.logger.Infof(ctx, `cancelling "%d" runs`, len(ids))
		for _, id := range ids {
			n.supervisor.Cancel(ctx, id, cancellation.ShutdownReason())
		}
	}

	select {
	case <-n.registry.Empty():
	case <-ctx.Done():
		n.logger.Warnf(ctx, `shutdown interrupted, "%d" runs are still tracked`, n.registry.Len())
		return
	}

	n.logger.Info(ctx, "shutdown done")
}
