package consumer

import (
	"context"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/wire"
	"github.com/pepper-iot/broker-delivery/pkg/log"
)

// ForcedDeliverySender emits the synthetic forced-delivery probe on
// the wire. Implemented by a concrete Session adapter, kept separate
// from collab.Session (which core/stream and core/browse also consume)
// so that interface doesn't have to carry this one consumer-only
// capability.
type ForcedDeliverySender interface {
	SendForcedDelivery(ctx context.Context, consumer collab.ConsumerInfo, envelope *wire.Envelope) error
}

// ForceDelivery enqueues a synthetic probe carrying sequence on the
// queue executor, so it lands after any already-scheduled deliveries.
// If the consumer is transferring when the task runs, it reschedules
// itself until transferring clears, avoiding a deadlock against the
// executor that's also the single writer for in-flight
// forced-delivery barriers.
func (c *Controller) ForceDelivery(sequence uint64) {
	ctx := context.Background()

	if c.executor == nil {
		c.emitForcedDelivery(ctx, sequence)
		return
	}

	var task func()
	task = func() {
		if c.transferringNow() {
			c.executor.Submit(task)
			return
		}
		c.emitForcedDelivery(ctx, sequence)
	}
	c.executor.Submit(task)
}

func (c *Controller) transferringNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferring
}

func (c *Controller) emitForcedDelivery(ctx context.Context, sequence uint64) {
	if c.forcedDelivery == nil {
		log.Warnf("consumer %d: force_delivery(%d) dropped, no sender configured", c.cfg.ConsumerID, sequence)
		return
	}

	kind := int32(wire.KindForcedDelivery)
	env := &wire.Envelope{Header: &wire.Header{Kind: &kind, Sequence: &sequence}}

	if err := c.forcedDelivery.SendForcedDelivery(ctx, c, env); err != nil {
		log.Errorf("consumer %d: force_delivery(%d) send failed: %v", c.cfg.ConsumerID, sequence, err)
	}
}
