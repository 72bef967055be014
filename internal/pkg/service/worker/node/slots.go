package node

import (
	"context"

	"github.com/keboola/task-worker/internal/pkg/service/worker/transport"
)

// reportSlotsLoop sends the slots availability periodically and after each change.
func (n *Node) reportSlotsLoop(ctx context.Context) {
	ticker := n.clock.NewTicker(n.config.SlotsReportInterval)
	defer ticker.Stop()

	n.reportSlots(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n.reportSlots(ctx)
		case <-n.slotsChanged:
			n.reportSlots(ctx)
		}
	}
}

func (n *Node) reportSlots(ctx context.Context) {
	state := n.slots.State()
	msg := transport.SlotAvailability{
		NodeID:    n.nodeID,
		Capacity:  state.Capacity,
		InFlight:  state.InFlight,
		Available: state.Available,
	}
	// Not retried, the next report replaces it
	if err := transport.SendMessage(ctx, n.conn, transport.TypeSlots, msg); err != nil && ctx.Err() == nil {
		n.logger.Warnf(ctx, `cannot report slots: %s`, err)
	}
}
