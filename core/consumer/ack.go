package consumer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/pkg/log"
)

// Acknowledge polls the ledger head repeatedly, ack-ing each reference
// to tx, until the polled reference's id equals upTo. If the ledger
// empties first, tx is marked rollback-only and an ErrNoReference is
// returned. A nil tx opens an implicit transaction, committed on
// success and rolled back on failure.
func (c *Controller) Acknowledge(ctx context.Context, tx msgref.Tx, upTo msgref.ID) ([]msgref.ID, error) {
	if c.cfg.BrowseOnly {
		return nil, ErrBrowseOnly
	}

	owned := tx == nil
	if owned {
		if c.txFactory == nil {
			return nil, ErrIllegalState
		}
		tx = c.txFactory.NewTx(ctx)
	}

	var acked []msgref.ID
	for {
		c.mu.Lock()
		ref := c.ledger.PollHead()
		c.mu.Unlock()

		if ref == nil {
			tx.MarkRollbackOnly()
			if owned {
				_ = tx.Rollback(ctx)
			}
			return acked, &ErrNoReference{ConsumerID: c.cfg.ConsumerID, MessageID: upTo, QueueName: c.cfg.QueueBinding}
		}

		if err := ref.Acknowledge(ctx, tx, c.cfg.ConsumerID); err != nil {
			tx.MarkRollbackOnly()
			if owned {
				_ = tx.Rollback(ctx)
			}
			return acked, err
		}

		acked = append(acked, ref.MessageID())
		c.recordAck()

		if ref.MessageID() == upTo {
			break
		}
	}

	if owned {
		if err := tx.Commit(ctx); err != nil {
			return acked, err
		}
	}
	return acked, nil
}

// IndividualAcknowledge removes exactly one reference by id and acks
// it to tx, with the same implicit-transaction semantics as
// Acknowledge.
func (c *Controller) IndividualAcknowledge(ctx context.Context, tx msgref.Tx, id msgref.ID) error {
	if c.cfg.BrowseOnly {
		return ErrBrowseOnly
	}

	owned := tx == nil
	if owned {
		if c.txFactory == nil {
			return ErrIllegalState
		}
		tx = c.txFactory.NewTx(ctx)
	}

	c.mu.Lock()
	ref, ok := c.ledger.Remove(id)
	c.mu.Unlock()
	if !ok {
		tx.MarkRollbackOnly()
		if owned {
			_ = tx.Rollback(ctx)
		}
		return &ErrNoReference{ConsumerID: c.cfg.ConsumerID, MessageID: id, QueueName: c.cfg.QueueBinding}
	}

	if err := ref.Acknowledge(ctx, tx, c.cfg.ConsumerID); err != nil {
		tx.MarkRollbackOnly()
		if owned {
			_ = tx.Rollback(ctx)
		}
		return err
	}
	c.recordAck()

	if owned {
		return tx.Commit(ctx)
	}
	return nil
}

// IndividualCancel removes ref by id and returns it to the queue as
// cancelled, stamped with the wall-clock time. Unless failed, the
// delivery count is decremented, unless the session callback reports
// it already took responsibility for that adjustment.
func (c *Controller) IndividualCancel(ctx context.Context, id msgref.ID, failed bool) error {
	if c.cfg.BrowseOnly {
		return ErrBrowseOnly
	}

	c.mu.Lock()
	ref, ok := c.ledger.Remove(id)
	c.mu.Unlock()
	if !ok {
		return ErrIllegalState
	}

	tookResponsibility := c.session.UpdateDeliveryCountAfterCancel(c, ref, failed)
	if !failed && !tookResponsibility {
		ref.DecrementDeliveryCount()
	}

	if err := c.queue.CancelNow(ctx, ref, time.Now()); err != nil {
		return err
	}
	c.afterLedgerChange()
	return nil
}

// Reject removes ref by id and routes it to the dead-letter sink. It
// is idempotent: rejecting an absent (already-rejected) id silently
// succeeds, unlike IndividualCancel.
func (c *Controller) Reject(ctx context.Context, id msgref.ID) error {
	if c.cfg.BrowseOnly {
		return ErrBrowseOnly
	}

	c.mu.Lock()
	ref, ok := c.ledger.Remove(id)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.queue.SendToDeadLetterAddress(ctx, ref); err != nil {
		log.Errorf("consumer %d: reject %v: dead-letter routing failed: %v", c.cfg.ConsumerID, id, err)
		return err
	}
	c.afterLedgerChange()
	return nil
}

// BackToDelivering re-establishes ref at the ledger head, used to
// restore ordering after a protocol rollback.
func (c *Controller) BackToDelivering(ref msgref.Reference) {
	c.mu.Lock()
	c.ledger.PushFront(ref)
	c.mu.Unlock()
	c.afterLedgerChange()
}

// ReceiveCredits applies the client's credit grant and prompts
// delivery if the meter transitions to having credit available.
func (c *Controller) ReceiveCredits(n int64) {
	if c.meter.ReceiveCredits(n) {
		c.queue.DeliverAsync(c)
	}
}

// ScanDeliveringReferences iterates the ledger in order, collecting
// references from the first one satisfying start until one satisfies
// end, optionally excising them.
func (c *Controller) ScanDeliveringReferences(start, end func(msgref.Reference) bool, remove bool) []msgref.Reference {
	c.mu.Lock()
	out := c.ledger.ScanDeliveringReferences(start, end, remove)
	c.mu.Unlock()
	if remove {
		c.afterLedgerChange()
	}
	return out
}

func (c *Controller) recordAck() {
	atomic.AddUint64(&c.acks, 1)
	if c.metrics != nil {
		c.metrics.IncAcks(c.cfg.ConsumerID)
	}
	c.afterLedgerChange()
}

func (c *Controller) afterLedgerChange() {
	if c.metrics != nil {
		c.metrics.SetDeliveringMessages(c.cfg.ConsumerID, c.LedgerDepth())
	}
}
