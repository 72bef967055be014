// Package servicectx provides unique ID for a service process and support for the graceful shutdown.
package servicectx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"github.com/keboola/task-worker/internal/pkg/idgenerator"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Process struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	logger   log.Logger
	wg       *sync.WaitGroup
	errCh    chan error
	uniqueID string

	lock        *sync.Mutex
	terminating bool
	onShutdown  []OnShutdownFn
}

type Option func(c *config)

// OnShutdownFn is invoked on the process termination.
// The ctx is not cancelled, it contains attributes of the process.
type OnShutdownFn func(ctx context.Context)

type config struct {
	ctx      context.Context
	logger   log.Logger
	uniqueID string
	signals  bool
}

// WithUniqueID sets unique ID of the service process.
// By default, it is generated as a random node ID.
func WithUniqueID(v string) Option {
	return func(c *config) {
		c.uniqueID = v
	}
}

func WithLogger(v log.Logger) Option {
	return func(c *config) {
		c.logger = v
	}
}

func WithContext(ctx context.Context) Option {
	return func(c *config) {
		c.ctx = ctx
	}
}

// WithoutSignals disables SIGINT and SIGTERM handling, it is used in tests.
func WithoutSignals() Option {
	return func(c *config) {
		c.signals = false
	}
}

func New(opts ...Option) (*Process, error) {
	// Apply options
	c := config{ctx: context.Background(), signals: true}
	for _, o := range opts {
		o(&c)
	}

	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}

	if c.uniqueID == "" {
		c.uniqueID = idgenerator.NodeID()
	}

	ctx, cancel := context.WithCancelCause(c.ctx)

	proc := &Process{
		ctx:      ctx,
		cancel:   cancel,
		logger:   c.logger.WithComponent("process"),
		wg:       &sync.WaitGroup{},
		errCh:    make(chan error, 1),
		uniqueID: c.uniqueID,
		lock:     &sync.Mutex{},
	}

	// Setup interrupt handler,
	// so SIGINT and SIGTERM signals cause the services to stop gracefully.
	if c.signals {
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				proc.Shutdown(errors.Errorf("%s", sig))
			case <-ctx.Done():
			}
		}()
	}

	// Register onShutdown operation
	proc.Add(func(ctx context.Context) {
		<-ctx.Done()
		proc.lock.Lock()
		proc.terminating = true
		callbacks := proc.onShutdown
		proc.lock.Unlock()

		// Iterate callbacks in reverse order, LIFO
		shutdownCtx := context.WithoutCancel(ctx)
		for i := len(callbacks) - 1; i >= 0; i-- {
			callbacks[i](shutdownCtx)
		}
	})

	proc.logger.Infof(ctx, `process unique id "%s"`, proc.UniqueID())
	return proc, nil
}

func NewForTest(t *testing.T, opts ...Option) *Process {
	t.Helper()

	opts = append([]Option{WithUniqueID("test-" + idgenerator.Random(5)), WithoutSignals()}, opts...)
	proc, err := New(opts...)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	t.Cleanup(func() {
		proc.Shutdown(errors.New("test cleanup"))
		proc.WaitForShutdown()
	})

	return proc
}

// Ctx returns context of the Process, it is cancelled on shutdown.
func (v *Process) Ctx() context.Context {
	return v.ctx
}

// Shutdown triggers termination of the Process.
// Only the first error is used as the shutdown cause.
func (v *Process) Shutdown(err error) {
	select {
	case v.errCh <- err:
	default:
	}
}

// WaitForShutdown waits for a shutdown request, then cancels the context and waits for all operations.
// It can be called multiple times.
func (v *Process) WaitForShutdown() {
	select {
	case err := <-v.errCh:
		v.logger.Infof(v.ctx, "exiting (%v)", err)
		v.cancel(err)
	case <-v.ctx.Done():
	}

	// Wait for all operations
	v.wg.Wait()

	v.logger.Info(context.WithoutCancel(v.ctx), "exited")
}

// UniqueID returns unique process ID.
func (v *Process) UniqueID() string {
	return v.uniqueID
}

// Add an operation.
// The Process is graceful terminated when all operations are completed.
// The ctx parameter can be used to wait for the service termination.
func (v *Process) Add(operation func(ctx context.Context)) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		operation(v.ctx)
	}()
}

// OnShutdown registers a callback that is invoked when the process is terminating.
// Graceful shutdown waits until the callback has finished.
// Callback are invoked sequentially in LIFO order.
func (v *Process) OnShutdown(fn OnShutdownFn) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.terminating {
		v.logger.Errorf(v.ctx, `cannot register OnShutdown callback: the process is terminating`)
		return
	}
	v.onShutdown = append(v.onShutdown, fn)
}
