package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/core/wire"
)

// queueExecutor is a controllable collab.Executor: tasks queue up
// instead of running inline, so tests can interleave state changes
// between submission and execution (the forced-delivery test relies
// on this).
type queueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueExecutor) Submit(t func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// runOne pops and runs a single queued task, returning false if none
// were queued.
func (q *queueExecutor) runOne() bool {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mu.Unlock()
	t()
	return true
}

type cancelCall struct {
	ref    msgref.Reference
	expire bool
}

type cancelNowCall struct {
	ref msgref.Reference
	at  time.Time
}

// fakeQueue implements collab.Queue, recording every call a test might
// need to assert on.
type fakeQueue struct {
	mu sync.Mutex

	name     string
	executor *queueExecutor

	removed      int
	deliverAsync int
	cancels      []cancelCall
	cancelNows   []cancelNowCall
	acknowledged []msgref.Reference
	deadLettered []msgref.Reference
	recheckCalls int
}

func newFakeQueue(name string) *fakeQueue {
	return &fakeQueue{name: name, executor: &queueExecutor{}}
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) AddConsumer(consumer collab.ConsumerInfo) error { return nil }
func (q *fakeQueue) RemoveConsumer(consumer collab.ConsumerInfo) {
	q.mu.Lock()
	q.removed++
	q.mu.Unlock()
}

func (q *fakeQueue) BrowserIterator(consumer collab.ConsumerInfo) (collab.BrowserIterator, error) {
	return nil, nil
}

func (q *fakeQueue) DeliverAsync(consumer collab.ConsumerInfo) {
	q.mu.Lock()
	q.deliverAsync++
	q.mu.Unlock()
}

func (q *fakeQueue) GetExecutor() collab.Executor { return q.executor }

func (q *fakeQueue) Cancel(ctx context.Context, tx msgref.Tx, ref msgref.Reference, expire bool) error {
	q.mu.Lock()
	q.cancels = append(q.cancels, cancelCall{ref: ref, expire: expire})
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) CancelNow(ctx context.Context, ref msgref.Reference, at time.Time) error {
	q.mu.Lock()
	q.cancelNows = append(q.cancelNows, cancelNowCall{ref: ref, at: at})
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Acknowledge(ctx context.Context, ref msgref.Reference, consumer collab.ConsumerInfo) error {
	q.mu.Lock()
	q.acknowledged = append(q.acknowledged, ref)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) SendToDeadLetterAddress(ctx context.Context, ref msgref.Reference) error {
	q.mu.Lock()
	q.deadLettered = append(q.deadLettered, ref)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) AllowsReferenceCallback() bool { return true }

func (q *fakeQueue) ErrorProcessing(consumer collab.ConsumerInfo, ref msgref.Reference, err error) {}

func (q *fakeQueue) RecheckRefCount(consumer collab.ConsumerInfo) {
	q.mu.Lock()
	q.recheckCalls++
	q.mu.Unlock()
}

func (q *fakeQueue) deliverAsyncCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deliverAsync
}

// fakeSession implements collab.Session. Standard sends always
// succeed unless sendErr is set; packetSize is returned on every
// SendMessage call.
type fakeSession struct {
	mu sync.Mutex

	hasCredits bool
	writable   bool
	packetSize int64
	sendErr    error

	sendCalls          []msgref.ID
	afterDeliveryCalls int
}

func newFakeSession() *fakeSession {
	return &fakeSession{hasCredits: true, writable: true, packetSize: 25}
}

func (s *fakeSession) HasCredits(consumer collab.ConsumerInfo, ref msgref.Reference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCredits
}

func (s *fakeSession) IsWritable(ctx context.Context, consumer collab.ConsumerInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

func (s *fakeSession) SendMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer collab.ConsumerInfo, deliveryCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls = append(s.sendCalls, ref.MessageID())
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	return s.packetSize, nil
}

func (s *fakeSession) SendLargeMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer collab.ConsumerInfo, totalSize int64, deliveryCount int) (int64, error) {
	return 0, nil
}

func (s *fakeSession) SendLargeMessageContinuation(ctx context.Context, consumer collab.ConsumerInfo, body []byte, hasMore bool, requiresResponse bool) (int64, error) {
	return 0, nil
}

func (s *fakeSession) UpdateDeliveryCountAfterCancel(consumer collab.ConsumerInfo, ref msgref.Reference, failed bool) bool {
	return false
}

func (s *fakeSession) AfterDelivery(consumer collab.ConsumerInfo) {
	s.mu.Lock()
	s.afterDeliveryCalls++
	s.mu.Unlock()
}

func (s *fakeSession) Disconnect(consumer collab.ConsumerInfo, queueName string) {}
func (s *fakeSession) BrowserFinished(consumer collab.ConsumerInfo)             {}
func (s *fakeSession) SupportsDirectDelivery() bool                            { return true }

func (s *fakeSession) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendCalls)
}

// fakeNotifier records CONSUMER_CLOSED notifications.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []collab.NotificationProperties
}

func (n *fakeNotifier) ConsumerClosed(props collab.NotificationProperties) {
	n.mu.Lock()
	n.calls = append(n.calls, props)
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// fakeTxFactory hands out InMemoryTx instances.
type fakeTxFactory struct {
	mu  sync.Mutex
	txs []*msgref.InMemoryTx
}

func (f *fakeTxFactory) NewTx(ctx context.Context) msgref.Tx {
	tx := &msgref.InMemoryTx{}
	f.mu.Lock()
	f.txs = append(f.txs, tx)
	f.mu.Unlock()
	return tx
}

// fakeForcedDeliverySender records synthetic forced-delivery sends.
type fakeForcedDeliverySender struct {
	mu        sync.Mutex
	sequences []uint64
}

func (f *fakeForcedDeliverySender) SendForcedDelivery(ctx context.Context, consumer collab.ConsumerInfo, envelope *wire.Envelope) error {
	f.mu.Lock()
	if envelope != nil && envelope.Header != nil && envelope.Header.Sequence != nil {
		f.sequences = append(f.sequences, *envelope.Header.Sequence)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeForcedDeliverySender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sequences)
}

func newRef(id msgref.ID, size int64) *msgref.InMemoryReference {
	return msgref.NewInMemoryReference(id, &msgref.InMemoryMessage{SizeVal: size}, &msgref.InMemoryQueue{QueueName: "q"})
}
