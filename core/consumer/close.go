package consumer

import (
	"context"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/pkg/log"
	"github.com/pepper-iot/broker-delivery/pkg/pluginlog"
)

// LingererRegistrar retains a closed consumer on its session when it
// still has in-transaction references that haven't drained, so those
// transactions can still resolve. Optional: a nil registrar simply
// skips the step.
type LingererRegistrar interface {
	HasUndrainedReferences(consumer collab.ConsumerInfo) bool
	RegisterLingerer(consumer collab.ConsumerInfo)
}

// Close tears the consumer down: plugin hooks, flush, streamer
// finish, queue detach, in-flight cancellation, notification, and a
// final ref-count recheck, in that order. It is idempotent: a second
// call is a no-op, guarded by the closed flag
// under the consumer lock. Every step is best-effort: failures are
// logged, never aborting the remaining steps.
func (c *Controller) Close(ctx context.Context, failed bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// 1. before_close_consumer plugins.
	c.safeBeforeCloseConsumer(failed)

	// 2. stop(), flushing pending deliveries.
	c.flush()

	// 3. finish any active large-message streamer.
	c.mu.Lock()
	streamer := c.streamer
	c.streamer = nil
	c.mu.Unlock()
	if streamer != nil {
		streamer.Finish()
	}

	// 4. detach from the queue. Browse-only consumers close their
	// iterator instead, which is core/browse's responsibility.
	if !c.cfg.BrowseOnly && c.queue != nil {
		c.queue.RemoveConsumer(c)
	}

	// 5. cancel all remaining in-flight refs via an ephemeral tx.
	c.cancelRemaining(ctx)

	// 6. register as a lingerer if undrained transactional refs remain.
	if c.lingerer != nil && c.lingerer.HasUndrainedReferences(c) {
		c.lingerer.RegisterLingerer(c)
	}

	// 7. publish CONSUMER_CLOSED before the recheck, so cluster peers
	// observe the closure before the queue can disappear.
	if c.notifier != nil {
		c.notifier.ConsumerClosed(c.notificationProps())
	}
	if c.metrics != nil {
		c.metrics.IncConsumerClosed()
	}

	// 8. trigger a queue reference-count recheck (may auto-delete).
	if c.queue != nil {
		c.queue.RecheckRefCount(c)
	}

	// 9. after_close_consumer plugins.
	c.safeAfterCloseConsumer(failed)

	return nil
}

func (c *Controller) cancelRemaining(ctx context.Context) {
	if c.txFactory == nil {
		log.Warnf("consumer %d: close: no tx factory configured, skipping in-flight ref cancellation", c.cfg.ConsumerID)
		return
	}

	c.mu.Lock()
	refs := c.ledger.Snapshot()
	for _, ref := range refs {
		c.ledger.Remove(ref.MessageID())
	}
	c.mu.Unlock()
	c.afterLedgerChange()

	if len(refs) == 0 {
		return
	}

	tx := c.txFactory.NewTx(ctx)
	for _, ref := range refs {
		if err := c.queue.Cancel(ctx, tx, ref, true); err != nil {
			log.Errorf("consumer %d: close: cancel %v failed: %v", c.cfg.ConsumerID, ref.MessageID(), err)
		}
	}
	// cancel performs its side effect during rollback: the tx here is a
	// cancellation context, never committed.
	if err := tx.Rollback(ctx); err != nil {
		log.Errorf("consumer %d: close: cancellation tx rollback failed: %v", c.cfg.ConsumerID, err)
	}
}

func (c *Controller) notificationProps() collab.NotificationProperties {
	count := 0
	if c.consumerCount != nil {
		count = c.consumerCount()
	}
	return collab.NotificationProperties{
		Address:       c.cfg.Address,
		ClusterName:   c.cfg.ClusterName,
		RoutingName:   c.cfg.RoutingName,
		Filter:        c.cfg.FilterDesc,
		Distance:      c.cfg.Distance,
		ConsumerCount: count,
		User:          c.cfg.User,
		RemoteAddress: c.cfg.RemoteAddress,
		SessionName:   c.cfg.SessionName,
	}
}

func (c *Controller) safeBeforeCloseConsumer(failed bool) {
	if c.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookBeforeCloseConsumer, c.cfg.ConsumerID, r)
		}
	}()
	c.plugins.BeforeCloseConsumer(c, failed)
}

func (c *Controller) safeAfterCloseConsumer(failed bool) {
	if c.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookAfterCloseConsumer, c.cfg.ConsumerID, r)
		}
	}()
	c.plugins.AfterCloseConsumer(c, failed)
}
