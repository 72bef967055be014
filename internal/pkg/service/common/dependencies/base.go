package dependencies

import (
	"github.com/jonboulle/clockwork"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
)

// baseScope dependencies container implements BaseScope interface.
type baseScope struct {
	clock     clockwork.Clock
	logger    log.Logger
	envs      env.Provider
	proc      *servicectx.Process
	telemetry telemetry.Telemetry
}

func NewBaseScope(clk clockwork.Clock, logger log.Logger, envs env.Provider, proc *servicectx.Process, tel telemetry.Telemetry) BaseScope {
	return newBaseScope(clk, logger, envs, proc, tel)
}

func newBaseScope(clk clockwork.Clock, logger log.Logger, envs env.Provider, proc *servicectx.Process, tel telemetry.Telemetry) *baseScope {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if envs == nil {
		envs = env.Empty()
	}
	return &baseScope{
		clock:     clk,
		logger:    logger,
		envs:      envs,
		proc:      proc,
		telemetry: tel,
	}
}

func (v *baseScope) Clock() clockwork.Clock {
	return v.clock
}

func (v *baseScope) Logger() log.Logger {
	return v.logger
}

func (v *baseScope) Envs() env.Provider {
	return v.envs
}

func (v *baseScope) Process() *servicectx.Process {
	return v.proc
}

func (v *baseScope) Telemetry() telemetry.Telemetry {
	return v.telemetry
}
