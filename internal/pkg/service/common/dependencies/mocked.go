package dependencies

import (
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
	"github.com/keboola/task-worker/internal/pkg/utils/testhelper"
)

// mocked dependencies container implements Mocked interface.
type mocked struct {
	*baseScope
	config *MockedConfig
}

type MockedConfig struct {
	clock       *clockwork.FakeClock
	telemetry   telemetry.ForTest
	debugLogger log.DebugLogger
	envs        *env.Map
	procOpts    []servicectx.Option
}

type MockedOption func(c *MockedConfig)

func WithClock(v *clockwork.FakeClock) MockedOption {
	return func(c *MockedConfig) {
		c.clock = v
	}
}

func WithDebugLogger(v log.DebugLogger) MockedOption {
	return func(c *MockedConfig) {
		c.debugLogger = v
	}
}

func WithTelemetry(tel telemetry.ForTest) MockedOption {
	return func(c *MockedConfig) {
		c.telemetry = tel
	}
}

func WithEnvs(v *env.Map) MockedOption {
	return func(c *MockedConfig) {
		c.envs = v
	}
}

func WithUniqueID(v string) MockedOption {
	return WithProcessOptions(servicectx.WithUniqueID(v))
}

func WithProcessOptions(opts ...servicectx.Option) MockedOption {
	return func(c *MockedConfig) {
		c.procOpts = append(c.procOpts, opts...)
	}
}

func newMockedConfig(t *testing.T, opts []MockedOption) *MockedConfig {
	t.Helper()

	cfg := &MockedConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.clock == nil {
		cfg.clock = clockwork.NewFakeClock()
	}
	if cfg.telemetry == nil {
		cfg.telemetry = telemetry.NewForTest(t)
	}
	if cfg.envs == nil {
		cfg.envs = env.Empty()
	}
	if cfg.debugLogger == nil {
		cfg.debugLogger = log.NewDebugLogger()
		cfg.debugLogger.ConnectTo(testhelper.VerboseStdout())
	}

	return cfg
}

// NewMocked creates dependencies for tests: fake clock, debug logger and in-memory telemetry.
func NewMocked(t *testing.T, opts ...MockedOption) Mocked {
	t.Helper()

	cfg := newMockedConfig(t, opts)
	procOpts := append([]servicectx.Option{servicectx.WithLogger(cfg.debugLogger)}, cfg.procOpts...)
	proc := servicectx.NewForTest(t, procOpts...)

	return &mocked{
		baseScope: newBaseScope(cfg.clock, cfg.debugLogger, cfg.envs, proc, cfg.telemetry),
		config:    cfg,
	}
}

func (v *mocked) DebugLogger() log.DebugLogger {
	return v.config.debugLogger
}

func (v *mocked) TestTelemetry() telemetry.ForTest {
	return v.config.telemetry
}

func (v *mocked) FakeClock() *clockwork.FakeClock {
	return v.config.clock
}
