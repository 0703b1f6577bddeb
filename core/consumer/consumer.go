// Package consumer implements the consumer controller: lifecycle
// (start/stop/transfer/close) and the ack/cancel/reject API, the
// central component the queue's delivery loop and the owning session
// both call into concurrently.
package consumer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/credit"
	"github.com/pepper-iot/broker-delivery/core/dispatch"
	"github.com/pepper-iot/broker-delivery/core/ledger"
	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/core/stream"
	"github.com/pepper-iot/broker-delivery/pkg/log"
	"github.com/pepper-iot/broker-delivery/pkg/metrics"
	"github.com/pepper-iot/broker-delivery/pkg/pluginlog"
)

// DeliveryCountStore persists a reference's delivery count for durable
// messages on durable, non-internal, non-paged queues, per the
// strict_update_delivery_count rule.
type DeliveryCountStore interface {
	PersistDeliveryCount(ctx context.Context, ref msgref.Reference, count int) error
}

// TxFactory opens an implicit transaction for ack calls that are
// invoked with a nil msgref.Tx.
type TxFactory interface {
	NewTx(ctx context.Context) msgref.Tx
}

// Controller is the per-consumer delivery engine. It is not safe to
// construct one for a browse-only consumer; browse-only traversal is
// handled independently by core/browse, which reuses dispatch.Decide
// directly instead of going through Handle.
type Controller struct {
	cfg Config

	queue    collab.Queue
	session  collab.Session
	plugins  collab.Plugins
	notifier collab.Notifier
	executor collab.Executor

	filter    Filter
	meter     *credit.Meter
	opener    stream.Opener
	usage     stream.UsageTracker
	storage   DeliveryCountStore
	txFactory TxFactory
	metrics   *metrics.ConsumerMetrics

	// mu is the consumer lock: guards ledger, started, transferring,
	// streamer and closed.
	mu           sync.Mutex
	ledger       *ledger.Ledger
	started      bool
	transferring bool
	streamer     *stream.Streamer
	closed       bool

	forcedDelivery ForcedDeliverySender
	lingerer       LingererRegistrar
	consumerCount  func() int

	latch pendingLatch
	acks  uint64 // atomic

	rateMu      sync.Mutex
	rateAt      time.Time
	rateCount   uint64
	deliveredAt uint64 // atomic count of completed proceedDeliver calls, feeds the rate gauge
}

// New constructs a Controller bound to queue, session, plugins and
// notifier. meter is constructed by the caller (credit.NewBounded or
// credit.NewUnlimited) so the initial credit grant policy stays
// outside this package.
func New(cfg Config, queue collab.Queue, session collab.Session, plugins collab.Plugins, notifier collab.Notifier, filter Filter, meter *credit.Meter, opener stream.Opener, usage stream.UsageTracker, storage DeliveryCountStore, txFactory TxFactory, metricsH *metrics.ConsumerMetrics) *Controller {
	cfg = cfg.SetDefaults()
	c := &Controller{
		cfg:       cfg,
		queue:     queue,
		session:   session,
		plugins:   plugins,
		notifier:  notifier,
		filter:    filter,
		meter:     meter,
		opener:    opener,
		usage:     usage,
		storage:   storage,
		txFactory: txFactory,
		metrics:   metricsH,
		ledger:    ledger.New(),
	}
	if queue != nil {
		c.executor = queue.GetExecutor()
	}
	if metricsH != nil {
		metricsH.SetCreatedTimestamp(cfg.ConsumerID, float64(cfg.CreatedAt.Unix()))
	}
	return c
}

// SetForcedDeliverySender wires the collaborator that emits the
// synthetic forced-delivery probe. Optional: without
// it, ForceDelivery logs a warning instead of sending.
func (c *Controller) SetForcedDeliverySender(s ForcedDeliverySender) {
	c.forcedDelivery = s
}

// SetLingererRegistrar wires the optional collaborator that retains a
// closed consumer on its session when in-transaction refs haven't
// drained yet.
func (c *Controller) SetLingererRegistrar(r LingererRegistrar) {
	c.lingerer = r
}

// SetConsumerCounter wires a callback reporting the binding's current
// consumer count, published on the CONSUMER_CLOSED notification.
func (c *Controller) SetConsumerCounter(f func() int) {
	c.consumerCount = f
}

// ConsumerID, SequentialID and QueueName satisfy collab.ConsumerInfo.
func (c *Controller) ConsumerID() uint64   { return c.cfg.ConsumerID }
func (c *Controller) SequentialID() uint64 { return c.cfg.SequentialID }
func (c *Controller) QueueName() string    { return c.cfg.QueueBinding }

// LegacyClient and RoutingType expose the fields RewriteAddress needs,
// for adapters that apply the legacy prefix at send time.
func (c *Controller) LegacyClient() bool       { return c.cfg.LegacyClient }
func (c *Controller) RoutingType() RoutingType { return c.cfg.Routing }

// Acks returns the running acknowledgement count.
func (c *Controller) Acks() uint64 { return atomic.LoadUint64(&c.acks) }

// LedgerDepth returns the current in-flight ledger size.
func (c *Controller) LedgerDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Len()
}

// DeliveringMessageIDs returns the ids of the in-flight references in
// delivery order, the delivering-message list observable.
func (c *Controller) DeliveringMessageIDs() []msgref.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := c.ledger.Snapshot()
	out := make([]msgref.ID, len(refs))
	for i, r := range refs {
		out[i] = r.MessageID()
	}
	return out
}

// isStopped reports whether the consumer is not currently accepting
// deliveries (stopped or transferring). Passed to stream.New as the
// streamer's stopped callback; it takes the lock itself since the
// streamer calls it from the queue executor, never while c.mu is held
// by the same goroutine.
func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.started || c.transferring
}

// Handle is the queue delivery loop's entry point. It returns ACCEPT,
// BUSY or NO_MATCH; the cheap lock-free gates (credit, session credit,
// plugin veto) run before the consumer lock is taken.
func (c *Controller) Handle(ctx context.Context, ref msgref.Reference) dispatch.Decision {
	if !c.meter.TryReserve() {
		return dispatch.Busy
	}
	if !c.session.HasCredits(c, ref) {
		return dispatch.Busy
	}
	if !c.pluginsCanAccept(ref) {
		return dispatch.NoMatch
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return dispatch.Busy
	}

	in := dispatch.Input{
		HasCredit:         true,
		SessionHasCredits: true,
		PluginAccepts:     true,
		Writable:          c.session.IsWritable(ctx, c),
		Started:           c.started,
		Transferring:      c.transferring,
		StreamerActive:    c.streamer != nil,
		AcceptsConsumer:   ref.Message().AcceptsConsumer(c.cfg.SequentialID),
		FilterMatches:     c.filter == nil || c.filter(ref),
	}

	decision := dispatch.Decide(in)
	if decision != dispatch.Accept {
		return decision
	}

	c.acceptLocked(ctx, ref)
	return dispatch.Accept
}

// acceptLocked performs the accept-path side effects; caller must
// hold c.mu.
func (c *Controller) acceptLocked(ctx context.Context, ref msgref.Reference) {
	ref.Handled()
	ref.SetConsumerID(c.cfg.ConsumerID)

	if c.cfg.PreAck {
		if err := c.queue.Acknowledge(ctx, ref, c); err != nil {
			log.Errorf("consumer %d: preack acknowledge %v failed: %v", c.cfg.ConsumerID, ref.MessageID(), err)
		} else {
			atomic.AddUint64(&c.acks, 1)
			if c.metrics != nil {
				c.metrics.IncAcks(c.cfg.ConsumerID)
			}
		}
	} else {
		ref.IncrementDeliveryCount()
		c.ledger.Append(ref)
		if c.shouldPersistDeliveryCount(ref) && c.storage != nil {
			if err := c.storage.PersistDeliveryCount(ctx, ref, ref.DeliveryCount()); err != nil {
				log.Warnf("consumer %d: persist delivery count for %v: %v", c.cfg.ConsumerID, ref.MessageID(), err)
			}
		}
	}

	if ref.Message().IsLarge() && c.cfg.SupportLargeMessage {
		if c.streamer != nil {
			// Busy was already returned whenever a streamer is active
			// (dispatch.Decide checks StreamerActive before we ever
			// reach here), so this is an assertion, not a live path.
			log.Errorf("consumer %d: streamer already active on accept; refusing duplicate construction", c.cfg.ConsumerID)
		} else {
			streamCfg := stream.Config{MinLargeMessageSize: c.cfg.MinLargeMessageSize}
			c.streamer = stream.New(streamCfg, ref, ref.Message(), c, c.session, c.meter, c.usage, c.opener, c.isStopped, ref.DeliveryCount())
		}
	}

	c.latch.countUp()
	if c.metrics != nil {
		c.metrics.SetDeliveringMessages(c.cfg.ConsumerID, c.ledger.Len())
	}
}

func (c *Controller) shouldPersistDeliveryCount(ref msgref.Reference) bool {
	return c.cfg.StrictUpdateDeliveryCount &&
		ref.Message().IsDurable() &&
		ref.Queue().IsDurable() &&
		!ref.Queue().IsInternal() &&
		!ref.IsPaged()
}

// ProceedDeliver sends ref on the wire, directly for a standard
// message or by driving one streamer iteration for a large one. When
// the streamer isn't finished, it reschedules itself on the queue
// executor so continuations interleave correctly with other work.
func (c *Controller) ProceedDeliver(ctx context.Context, ref msgref.Reference) error {
	c.safeBeforeDeliver(ref)
	defer c.session.AfterDelivery(c)
	defer c.safeAfterDeliver(ref)

	c.mu.Lock()
	streamer := c.streamer
	c.mu.Unlock()

	if streamer != nil {
		return c.proceedStream(ctx, ref, streamer)
	}

	packetSize, err := c.session.SendMessage(ctx, ref, ref.Message(), c, ref.DeliveryCount())
	atomic.AddUint64(&c.deliveredAt, 1)
	c.latch.countDown()
	if err != nil {
		return &TransportError{Err: err}
	}
	c.meter.Consume(packetSize)
	return nil
}

func (c *Controller) proceedStream(ctx context.Context, ref msgref.Reference, streamer *stream.Streamer) error {
	done, err := streamer.Deliver(ctx)
	if err != nil {
		log.Errorf("consumer %d: large message delivery for %v failed: %v", c.cfg.ConsumerID, ref.MessageID(), err)
		c.mu.Lock()
		c.streamer = nil
		c.mu.Unlock()
		streamer.Finish()
		c.latch.countDown()
		return err
	}
	if !done {
		if c.executor != nil {
			c.executor.Submit(func() { _ = c.ProceedDeliver(ctx, ref) })
		}
		return nil
	}

	c.mu.Lock()
	c.streamer = nil
	c.mu.Unlock()
	atomic.AddUint64(&c.deliveredAt, 1)
	c.latch.countDown()
	return nil
}

// Start flips started and prompts the queue to resume delivery.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	c.queue.DeliverAsync(c)
	return nil
}

// Stop flips started off and flushes any in-flight deliveries, up to
// cfg.FlushTimeout, before returning. A timed-out flush is logged, not
// returned as an error.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// flush flips started off and waits for the pending-delivery latch to
// drain, without regard to the closed flag. It's the shared core of
// Stop() and Close()'s second step, which must flush even though
// closed is already true by the time it runs.
func (c *Controller) flush() {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()

	if !c.latch.waitTimeout(c.cfg.FlushTimeout) {
		log.Warnf("consumer %d: stop() flush timed out after %s with deliveries still pending", c.cfg.ConsumerID, c.cfg.FlushTimeout)
	}
}

// SetTransferring toggles the transferring flag. Turning it on flushes
// any in-flight forced-delivery task via a barrier submitted to the
// queue executor, waiting up to cfg.TransferringTimeout. Turning it
// off prompts the queue to resume delivery.
func (c *Controller) SetTransferring(on bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	was := c.transferring
	c.transferring = on
	c.mu.Unlock()

	if on && !was {
		if c.executor != nil {
			barrier := make(chan struct{})
			c.executor.Submit(func() { close(barrier) })
			select {
			case <-barrier:
			case <-time.After(c.cfg.TransferringTimeout):
				log.Warnf("consumer %d: set_transferring(true) barrier timed out after %s", c.cfg.ConsumerID, c.cfg.TransferringTimeout)
			}
		}
	} else if !on && was {
		c.queue.DeliverAsync(c)
	}
	return nil
}

// ObserveDeliveryRate computes messages/sec since the last call,
// rounded up to two decimals, and pushes it into the delivery-rate
// gauge. Intended to be called periodically by an external poller;
// the engine itself runs no background scheduler.
func (c *Controller) ObserveDeliveryRate(now time.Time) float64 {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	count := atomic.LoadUint64(&c.deliveredAt)
	if c.rateAt.IsZero() {
		c.rateAt = now
		c.rateCount = count
		return 0
	}

	elapsed := now.Sub(c.rateAt).Seconds()
	delta := count - c.rateCount
	c.rateAt = now
	c.rateCount = count

	if elapsed <= 0 {
		return 0
	}
	rate := math.Ceil((float64(delta)/elapsed)*100) / 100
	if c.metrics != nil {
		c.metrics.SetDeliveryRate(c.cfg.ConsumerID, rate)
	}
	return rate
}

func (c *Controller) pluginsCanAccept(ref msgref.Reference) (ok bool) {
	if c.plugins == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookCanAccept, c.cfg.ConsumerID, r)
			ok = false
		}
	}()
	ok = c.plugins.CanAccept(c, ref)
	if ok {
		pluginlog.Invoked(pluginlog.HookCanAccept, c.cfg.ConsumerID, nil)
	} else {
		pluginlog.Vetoed(pluginlog.HookCanAccept, c.cfg.ConsumerID)
	}
	return ok
}

func (c *Controller) safeBeforeDeliver(ref msgref.Reference) {
	if c.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookBeforeDeliver, c.cfg.ConsumerID, r)
		}
	}()
	c.plugins.BeforeDeliver(c, ref)
}

func (c *Controller) safeAfterDeliver(ref msgref.Reference) {
	if c.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookAfterDeliver, c.cfg.ConsumerID, r)
		}
	}()
	c.plugins.AfterDeliver(c, ref)
}
