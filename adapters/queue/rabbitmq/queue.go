package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/dispatch"
	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/pkg/log"
	"github.com/pepper-iot/broker-delivery/utils"
)

// dlxName is the single dead-letter exchange every Queue's DLQ binds to.
const dlxName = "dlx"

// Handler is the narrow surface the delivery engine's consumer
// controller exposes back to this adapter: collab.ConsumerInfo plus
// the two entry points the queue's delivery loop drives. It is kept
// separate from collab.ConsumerInfo because a reference to the queue
// adapter itself must never be able to see a consumer's ledger or
// locks directly, only call through Handle/ProceedDeliver.
type Handler interface {
	collab.ConsumerInfo
	Handle(ctx context.Context, ref msgref.Reference) dispatch.Decision
	ProceedDeliver(ctx context.Context, ref msgref.Reference) error
}

// Config configures a Queue.
type Config struct {
	QueueName string
	Durable   bool
	Internal  bool

	// MinLargeMessageSize marks any delivery whose body exceeds this
	// many bytes as IsLarge(), so the engine routes it through the
	// large-message streamer instead of a standard send.
	MinLargeMessageSize int64

	// Errs receives asynchronous adapter errors (consume-loop
	// failures, publish failures); nil drops them after logging.
	Errs utils.AsyncErrors

	// DeadLetter, if set, receives rejected/expired references instead
	// of them being nacked to this queue's in-broker DLX. Satisfied by
	// *kafka.Sink when a queue hands dead letters off to Kafka rather
	// than a same-broker DLQ.
	DeadLetter DeadLetterSink
}

// DeadLetterSink is the narrow surface adapters/deadletter/kafka.Sink
// satisfies.
type DeadLetterSink interface {
	Send(ctx context.Context, ref msgref.Reference) error
}

// Queue implements collab.Queue over a single amqp091-go channel. One
// Queue binds to exactly one AMQP queue and, at a time, at most one
// Handler (this module's single-consumer-per-queue scope; multiple
// concurrent subscribers are the exclusive/shared-subscription
// concern the broker's queue layer owns, not this adapter).
type Queue struct {
	cfg Config
	ch  *amqp.Channel
	ids idGenerator

	executor *channelExecutor

	mu       sync.Mutex
	handler  Handler
	resume   chan struct{}
	stopc    chan struct{}
	consumed bool
}

// New declares the queue's DLX/DLQ topology and returns a Queue bound
// to ch.
func New(ch *amqp.Channel, cfg Config) (*Queue, error) {
	if err := declareDeadLetter(ch, cfg.QueueName); err != nil {
		return nil, fmt.Errorf("rabbitmq: declare dead-letter topology for %q: %w", cfg.QueueName, err)
	}

	q := &Queue{
		cfg:      cfg,
		ch:       ch,
		executor: newChannelExecutor(),
	}
	return q, nil
}

func declareDeadLetter(ch *amqp.Channel, queueName string) error {
	if err := ch.ExchangeDeclare(dlxName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	dlq := queueName + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %q: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, queueName, dlxName, false, nil); err != nil {
		return fmt.Errorf("bind dlq %q: %w", dlq, err)
	}
	return nil
}

func (q *Queue) Name() string { return q.cfg.QueueName }

// AddConsumer registers the single Handler this queue will push
// deliveries to, and starts the background consume loop. consumer must
// also implement Handler; collab.Queue's signature only requires
// ConsumerInfo because the interface is shared with collaborators that
// have no business calling Handle/ProceedDeliver.
func (q *Queue) AddConsumer(consumer collab.ConsumerInfo) error {
	h, ok := consumer.(Handler)
	if !ok {
		return fmt.Errorf("rabbitmq: consumer %d does not implement rabbitmq.Handler", consumer.ConsumerID())
	}

	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return fmt.Errorf("rabbitmq: queue %q already has a consumer bound", q.cfg.QueueName)
	}
	q.handler = h
	q.resume = make(chan struct{}, 1)
	q.stopc = make(chan struct{})
	q.mu.Unlock()

	deliveries, err := q.ch.Consume(q.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %q: %w", q.cfg.QueueName, err)
	}

	go q.executor.run()
	go q.deliverLoop(h, deliveries)
	return nil
}

func (q *Queue) RemoveConsumer(consumer collab.ConsumerInfo) {
	q.mu.Lock()
	if q.stopc != nil {
		close(q.stopc)
		q.stopc = nil
	}
	q.handler = nil
	q.mu.Unlock()
	q.executor.stop()
}

// BrowserIterator returns a read-only cursor over the queue using a
// non-acking Get loop: each peeked delivery is immediately requeued.
// amqp091-go has no native peek; this is the closest approximation,
// documented rather than hidden.
func (q *Queue) BrowserIterator(consumer collab.ConsumerInfo) (collab.BrowserIterator, error) {
	return &browserIterator{queue: q}, nil
}

func (q *Queue) GetExecutor() collab.Executor { return q.executor }

// Cancel is the transactional cancel form. With expire=false the
// delivery is nacked with requeue=true so it returns to the AMQP queue;
// with expire=true it is routed to the dead-letter sink (or the
// in-broker DLX). Either way the action is taken immediately: the tx
// argument is accepted only for interface compatibility and is not
// used (there's no AMQP-native transactional cancel).
func (q *Queue) Cancel(ctx context.Context, tx msgref.Tx, ref msgref.Reference, expire bool) error {
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("rabbitmq: cancel: unexpected reference type %T", ref)
	}
	if expire {
		return q.sendToDeadLetter(ctx, r)
	}
	return r.delivery.Nack(false, true)
}

// CancelNow is the non-transactional cancel form used by
// individual_cancel; the wall-clock timestamp has no AMQP-side effect
// (there's no broker-native cancellation timestamp), it's accepted
// only so this adapter satisfies collab.Queue.
func (q *Queue) CancelNow(ctx context.Context, ref msgref.Reference, _ time.Time) error {
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("rabbitmq: cancel_now: unexpected reference type %T", ref)
	}
	return r.delivery.Nack(false, true)
}

func (q *Queue) Acknowledge(ctx context.Context, ref msgref.Reference, consumer collab.ConsumerInfo) error {
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("rabbitmq: acknowledge: unexpected reference type %T", ref)
	}
	return r.delivery.Ack(false)
}

func (q *Queue) SendToDeadLetterAddress(ctx context.Context, ref msgref.Reference) error {
	r, ok := ref.(*reference)
	if !ok {
		return fmt.Errorf("rabbitmq: dead-letter: unexpected reference type %T", ref)
	}
	return q.sendToDeadLetter(ctx, r)
}

func (q *Queue) sendToDeadLetter(ctx context.Context, r *reference) error {
	if q.cfg.DeadLetter != nil {
		if err := q.cfg.DeadLetter.Send(ctx, r); err != nil {
			return err
		}
		return r.delivery.Ack(false)
	}
	if err := r.delivery.Nack(false, false); err != nil {
		return fmt.Errorf("rabbitmq: nack to dlx: %w", err)
	}
	return nil
}

func (q *Queue) AllowsReferenceCallback() bool { return true }

func (q *Queue) ErrorProcessing(consumer collab.ConsumerInfo, ref msgref.Reference, err error) {
	log.Errorf("rabbitmq: queue %q: consumer %d: error processing %v: %v", q.cfg.QueueName, consumer.ConsumerID(), ref.MessageID(), err)
	q.cfg.Errs.Send(err)
}

func (q *Queue) RecheckRefCount(consumer collab.ConsumerInfo) {
	// No broker-side auto-delete hook is exercised at this layer; the
	// queue's lifecycle is managed externally (AMQP queue deletion
	// policy), not by the delivery engine.
}

// DeliverAsync signals the consume loop to resume pulling deliveries.
func (q *Queue) DeliverAsync(consumer collab.ConsumerInfo) {
	q.mu.Lock()
	resume := q.resume
	q.mu.Unlock()
	if resume == nil {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

func (q *Queue) deliverLoop(h Handler, deliveries <-chan amqp.Delivery) {
	ctx := context.Background()
	var pending *reference

	for {
		var d amqp.Delivery
		if pending == nil {
			var ok bool
			select {
			case d, ok = <-deliveries:
				if !ok {
					return
				}
			case <-q.stoppedChan():
				return
			}
		}

		ref := pending
		if ref == nil {
			ref = q.toReference(d)
		}

		switch h.Handle(ctx, ref) {
		case dispatch.Accept:
			pending = nil
			if err := h.ProceedDeliver(ctx, ref); err != nil {
				q.ErrorProcessing(h, ref, err)
			}
		case dispatch.NoMatch:
			pending = nil
			_ = ref.delivery.Nack(false, true)
		case dispatch.Busy:
			pending = ref
			select {
			case <-q.resumeChan():
			case <-q.stoppedChan():
				return
			}
		}
	}
}

func (q *Queue) resumeChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resume
}

func (q *Queue) stoppedChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopc
}

func (q *Queue) toReference(d amqp.Delivery) *reference {
	large := int64(len(d.Body)) > q.cfg.MinLargeMessageSize && q.cfg.MinLargeMessageSize > 0
	msg := &message{
		address: d.RoutingKey,
		size:    int64(len(d.Body)),
		durable: d.DeliveryMode == amqp.Persistent,
		large:   large,
	}
	qid := &queueIdentity{name: q.cfg.QueueName, durable: q.cfg.Durable, internal: q.cfg.Internal}
	return newReference(q.ids.next(), d, msg, qid)
}

// browserIterator pulls deliveries one at a time with Channel.Get and
// requeues each immediately, approximating a read-only cursor.
type browserIterator struct {
	queue  *Queue
	closed bool
}

func (it *browserIterator) Next() (msgref.Reference, bool) {
	if it.closed {
		return nil, false
	}
	d, ok, err := it.queue.ch.Get(it.queue.cfg.QueueName, false)
	if err != nil || !ok {
		return nil, false
	}
	_ = d.Nack(false, true)
	return it.queue.toReference(d), true
}

func (it *browserIterator) Close() { it.closed = true }
