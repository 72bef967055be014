// Package supervisor provides the Cancellation Supervisor.
//
// States of a tracked run: Idle -> Requested -> Escalating -> Forgotten, or Idle -> normal completion.
//
// A cancellation request aborts the run token and cancels the pending operation.
// If the run is still registered after the warning threshold, a warning is logged, repeatedly at the same cadence.
// If the run is still registered after the grace period, it is removed from the registry, the result is discarded.
// The operation itself is never terminated, it is only untracked.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/task-worker/internal/pkg/log"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/cancellation"
	"github.com/keboola/task-worker/internal/pkg/service/worker/metrics"
	"github.com/keboola/task-worker/internal/pkg/service/worker/registry"
)

type State int

const (
	StateIdle State = iota
	StateRequested
	StateEscalating
)

type Config struct {
	// WarningThreshold is the cadence of warnings about a cancelled run which is still running.
	WarningThreshold time.Duration
	// GracePeriod is the time after which a cancelled run is forgotten.
	GracePeriod time.Duration
}

type Supervisor struct {
	clock    clockwork.Clock
	logger   log.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	config   Config

	lock   sync.Mutex
	states map[string]*cancelState
}

type cancelState struct {
	state       State
	requestedAt time.Time
	reason      cancellation.Reason
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
}

func New(d dependencies, reg *registry.Registry, m *metrics.Metrics, cfg Config) (*Supervisor, error) {
	if cfg.WarningThreshold <= 0 {
		return nil, svcErrors.NewConfigErrorf("cancellation warning threshold must be positive, found %s", cfg.WarningThreshold)
	}
	if cfg.GracePeriod <= 0 {
		return nil, svcErrors.NewConfigErrorf("cancellation grace period must be positive, found %s", cfg.GracePeriod)
	}

	s := &Supervisor{
		clock:    d.Clock(),
		logger:   d.Logger().WithComponent("supervisor"),
		registry: reg,
		metrics:  m,
		config:   cfg,
		states:   make(map[string]*cancelState),
	}

	// Any removal returns the run to the Idle state
	reg.OnRemove(func(entry registry.Entry, _ registry.RemoveCause) {
		s.lock.Lock()
		delete(s.states, entry.Run.ID)
		s.lock.Unlock()
	})

	return s, nil
}

// Cancel requests cancellation of the tracked run.
// The result is false if the run is not tracked or the cancellation has already been requested.
func (s *Supervisor) Cancel(ctx context.Context, id string, reason cancellation.Reason) bool {
	entry, found := s.registry.Lookup(id)
	if !found {
		s.logger.Debugf(ctx, `cannot cancel run "%s": not tracked`, id)
		return false
	}

	s.lock.Lock()
	if _, found := s.states[id]; found {
		s.lock.Unlock()
		s.logger.Debugf(ctx, `cancellation of run "%s" is already requested`, id)
		return false
	}
	s.states[id] = &cancelState{state: StateRequested, requestedAt: s.clock.Now(), reason: reason}
	s.lock.Unlock()

	// The run may have been completed in the meantime, the remove hook could be called before the state was stored
	if _, found := s.registry.Lookup(id); !found {
		s.clearState(id)
		return false
	}

	logger := s.logger.With(attribute.String("run.id", id), attribute.String("task.name", entry.Run.TaskName))
	ctx = entry.Context

	s.registry.Abort(id, reason)

	// Lookup again, the operation may be attached in the meantime.
	// If the operation is attached later, it is cancelled by the registry, because the token is aborted.
	if current, found := s.registry.Lookup(id); found && current.Operation != nil {
		current.Operation.Cancel(reason)
	}

	logger.Infof(ctx, `cancellation of run "%s" requested: %s`, id, reason)

	s.armWarning(ctx, logger, entry.Run)
	s.registry.ArmTimer(id, registry.TimerCancelGrace, s.config.GracePeriod, func() {
		s.forget(ctx, logger, entry)
	})

	return true
}

// IsCancelling returns true while the run is in the Requested or Escalating state.
func (s *Supervisor) IsCancelling(id string) bool {
	return s.State(id) != StateIdle
}

func (s *Supervisor) State(id string) State {
	s.lock.Lock()
	defer s.lock.Unlock()
	if st, found := s.states[id]; found {
		return st.state
	}
	return StateIdle
}

func (s *Supervisor) armWarning(ctx context.Context, logger log.Logger, run registry.Run) {
	s.registry.ArmTimer(run.ID, registry.TimerCancelWarning, s.config.WarningThreshold, func() {
		s.lock.Lock()
		st, found := s.states[run.ID]
		if !found {
			s.lock.Unlock()
			return
		}
		st.state = StateEscalating
		elapsed := s.clock.Since(st.requestedAt)
		s.lock.Unlock()

		logger.Warnf(ctx, `run "%s" is still running %s after the cancellation request`, run.ID, elapsed)
		s.metrics.RecordCancelWarning(ctx, run.TaskName)

		s.armWarning(ctx, logger, run)
	})
}

func (s *Supervisor) forget(ctx context.Context, logger log.Logger, entry registry.Entry) {
	// Completion may win the race, then there is nothing to do
	run := entry.Run
	if _, removed := s.registry.RemoveEntry(run.ID, entry.Token, registry.RemoveForgotten); !removed {
		return
	}

	logger.Warnf(ctx, `run "%s" did not stop within the grace period %s, it is forgotten and its result will be discarded`, run.ID, s.config.GracePeriod)
	s.metrics.RecordForcedForget(ctx, run.TaskName)
}

func (s *Supervisor) clearState(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.states, id)
}
