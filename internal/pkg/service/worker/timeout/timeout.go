// Package timeout provides the Timeout Manager.
// Expiry of the schedule or the execution deadline enters the Cancellation Supervisor with a timeout reason.
package timeout

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/task-worker/internal/pkg/log"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/service/worker/metrics"
	"github.com/keboola/task-worker/internal/pkg/service/worker/registry"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	DeadlineSchedule  = "schedule"
	DeadlineExecution = "execution"
)

var ErrNotArmed = errors.New("execution deadline is not armed")

type Manager struct {
	clock      clockwork.Clock
	logger     log.Logger
	registry   *registry.Registry
	supervisor canceller
	metrics    *metrics.Metrics
}

type canceller interface {
	Cancel(ctx context.Context, id string, reason cancellation.Reason) bool
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
}

func New(d dependencies, reg *registry.Registry, sup canceller, m *metrics.Metrics) *Manager {
	return &Manager{
		clock:      d.Clock(),
		logger:     d.Logger().WithComponent("timeout"),
		registry:   reg,
		supervisor: sup,
		metrics:    m,
	}
}

// ArmSchedule arms the maximum time the run may wait for a slot.
func (m *Manager) ArmSchedule(id string, timeout time.Duration) bool {
	return m.arm(id, registry.TimerScheduleDeadline, cancellation.KindScheduleTimeout, timeout)
}

// StartExecution stops the schedule deadline and arms the maximum run time.
func (m *Manager) StartExecution(id string, timeout time.Duration) bool {
	m.registry.StopTimer(id, registry.TimerScheduleDeadline)
	return m.arm(id, registry.TimerExecutionDeadline, cancellation.KindExecutionTimeout, timeout)
}

// Refresh replaces the remaining execution budget, the new deadline is now+timeout.
func (m *Manager) Refresh(id string, timeout time.Duration) (time.Time, error) {
	if timeout <= 0 {
		return time.Time{}, svcErrors.NewConfigErrorf("timeout must be positive, found %s", timeout)
	}
	if _, armed := m.registry.TimerDeadline(id, registry.TimerExecutionDeadline); !armed {
		return time.Time{}, errors.PrefixErrorf(ErrNotArmed, `cannot refresh timeout of run "%s"`, id)
	}
	if !m.arm(id, registry.TimerExecutionDeadline, cancellation.KindExecutionTimeout, timeout) {
		return time.Time{}, errors.PrefixErrorf(ErrNotArmed, `cannot refresh timeout of run "%s"`, id)
	}
	deadline, _ := m.registry.TimerDeadline(id, registry.TimerExecutionDeadline)
	return deadline, nil
}

// Deadline returns the current execution deadline of the run.
func (m *Manager) Deadline(id string) (time.Time, bool) {
	return m.registry.TimerDeadline(id, registry.TimerExecutionDeadline)
}

func (m *Manager) arm(id string, timer registry.TimerKind, kind cancellation.Kind, timeout time.Duration) bool {
	return m.registry.ArmTimer(id, timer, timeout, func() {
		m.expire(id, kind, timeout)
	})
}

func (m *Manager) expire(id string, kind cancellation.Kind, timeout time.Duration) {
	entry, found := m.registry.Lookup(id)
	if !found {
		return
	}

	deadline := DeadlineExecution
	if kind == cancellation.KindScheduleTimeout {
		deadline = DeadlineSchedule
	}

	ctx := entry.Context
	logger := m.logger.With(attribute.String("run.id", id), attribute.String("task.name", entry.Run.TaskName))
	reason := cancellation.Reason{Kind: kind, Message: deadline + " timeout " + timeout.String() + " exceeded", Timeout: timeout}

	// The run may be already cancelled, then the timeout is not the cause
	if !m.supervisor.Cancel(ctx, id, reason) {
		logger.Debugf(ctx, `%s timeout of run "%s" ignored, the run is already cancelled`, deadline, id)
		return
	}

	logger.Warnf(ctx, `run "%s" exceeded the %s timeout %s`, id, deadline, timeout)
	m.metrics.RecordTimeout(ctx, entry.Run.TaskName, deadline)
}
