// Package dependencies provides dependencies for other parts of the project.
//
// Each component defines a private "dependencies" interface with only the dependencies it needs.
// Components are easily testable because the dependencies can be mocked, see [Mocked].
//
// # Dependency Containers
//
//   - [BaseScope] interface provides basic dependencies (see [NewBaseScope]).
//   - [Mocked] interface provides dependencies mocked for tests (see [NewMocked]).
package dependencies

import (
	"github.com/jonboulle/clockwork"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/common/servicectx"
	"github.com/keboola/task-worker/internal/pkg/telemetry"
)

// BaseScope interface provides basic dependencies.
type BaseScope interface {
	Clock() clockwork.Clock
	Logger() log.Logger
	Envs() env.Provider
	Process() *servicectx.Process
	Telemetry() telemetry.Telemetry
}

// Mocked dependencies for tests.
type Mocked interface {
	BaseScope
	DebugLogger() log.DebugLogger
	TestTelemetry() telemetry.ForTest
	FakeClock() *clockwork.FakeClock
}
