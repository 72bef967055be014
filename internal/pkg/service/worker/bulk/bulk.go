// Package bulk delivers bulk requests which may exceed the item count or byte size limit of one message.
// The request is split into batches, the batches are sent in order, each with retries.
package bulk

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/task-worker/internal/pkg/log"
	"github.com/keboola/task-worker/internal/pkg/service/worker/batch"
	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Deliverer struct {
	logger   log.Logger
	sender   transport.Sender
	maxCount int
	maxBytes int
}

// Report describes the delivered part of the request.
type Report struct {
	RequestID string
	Batches   int
	// DeliveredBatches and DeliveredItems are lower than totals, if the delivery failed.
	DeliveredBatches int
	DeliveredItems   int
}

type dependencies interface {
	Logger() log.Logger
}

// New creates the deliverer, bounds are validated on each request, so a misconfiguration is reported synchronously.
func New(d dependencies, sender transport.Sender, maxCount, maxBytes int) *Deliverer {
	return &Deliverer{
		logger:   d.Logger().WithComponent("bulk"),
		sender:   sender,
		maxCount: maxCount,
		maxBytes: maxBytes,
	}
}

func (d *Deliverer) PushEvents(ctx context.Context, events []transport.EventPush) (Report, error) {
	return deliver(ctx, d, transport.TypePushEvents, events)
}

func (d *Deliverer) TriggerWorkflows(ctx context.Context, triggers []transport.WorkflowTrigger) (Report, error) {
	return deliver(ctx, d, transport.TypeTriggerWorkflows, triggers)
}

func deliver[T any](ctx context.Context, d *Deliverer, typ transport.MessageType, items []T) (Report, error) {
	groups, err := batch.Split(items, d.maxCount, d.maxBytes)
	if err != nil {
		return Report{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Report{}, errors.PrefixError(err, "cannot generate request id")
	}

	report := Report{RequestID: id.String(), Batches: len(groups)}
	logger := d.logger.With(attribute.String("request.id", report.RequestID), attribute.String("message.type", string(typ)))

	for _, group := range groups {
		msg := transport.Bulk[T]{
			RequestID:  report.RequestID,
			BatchIndex: group.BatchIndex,
			BatchCount: len(groups),
			Items:      group.Payloads,
		}
		if err := transport.SendMessage(ctx, d.sender, typ, msg); err != nil {
			return report, errors.PrefixErrorf(err, `cannot deliver batch %d of %d`, group.BatchIndex+1, len(groups))
		}
		report.DeliveredBatches++
		report.DeliveredItems += len(group.Payloads)
		logger.Debugf(ctx, `delivered batch %d of %d, %d items, %d bytes`, group.BatchIndex+1, len(groups), len(group.Payloads), group.Bytes)
	}

	logger.Infof(ctx, `delivered "%s" request "%s": %d items in %d batches`, typ, report.RequestID, report.DeliveredItems, report.Batches)
	return report, nil
}
