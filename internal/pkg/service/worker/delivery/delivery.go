// Package delivery sends messages to the server with retries.
// Only TransportError is retried, the number of retries is limited.
package delivery

import (
	"context"
	"time"

	"github.com/ccoveille/go-safecast"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/task-worker/internal/pkg/log"
	svcErrors "github.com/keboola/task-worker/internal/pkg/service/common/errors"
	"github.com/keboola/task-worker/internal/pkg/service/worker/metrics"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Sender struct {
	clock   clockwork.Clock
	logger  log.Logger
	metrics *metrics.Metrics
	sender  transport.Sender
	retries uint64
}

type dependencies interface {
	Clock() clockwork.Clock
	Logger() log.Logger
}

func NewSender(d dependencies, sender transport.Sender, m *metrics.Metrics, retries int) (*Sender, error) {
	maxRetries, err := safecast.ToUint64(retries)
	if err != nil {
		return nil, svcErrors.NewConfigErrorf("retries must not be negative, found %d", retries)
	}
	return &Sender{
		clock:   d.Clock(),
		logger:  d.Logger().WithComponent("delivery"),
		metrics: m,
		sender:  sender,
		retries: maxRetries,
	}, nil
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, msg transport.Envelope) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := s.sender.Send(ctx, msg)
		if err == nil {
			return nil
		}
		var transportErr svcErrors.TransportError
		if ctx.Err() != nil || !errors.As(err, &transportErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		s.logger.With(attribute.String("message.type", string(msg.Type))).Warnf(ctx, `delivery of "%s" message failed (attempt %d), retrying in %s: %s`, msg.Type, attempt, delay, err)
		s.metrics.RecordDeliveryRetry(ctx, string(msg.Type))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(s.clock), s.retries), ctx)
	if err := backoff.RetryNotifyWithTimer(operation, b, notify, &timer{clock: s.clock}); err != nil {
		return errors.PrefixErrorf(err, `cannot deliver "%s" message after %d attempts`, msg.Type, attempt)
	}
	return nil
}

func newBackoff(clock clockwork.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // limited by the retries count
	b.Clock = clock
	b.Reset()
	return b
}

// timer implements backoff.Timer using the clockwork.Clock.
type timer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *timer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
	} else {
		t.timer.Reset(d)
	}
}

func (t *timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *timer) C() <-chan time.Time {
	return t.timer.Chan()
}
