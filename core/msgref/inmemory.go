package msgref

import (
	"context"
	"errors"
	"sync"
)

// InMemoryMessage is a test/reference Message implementation.
type InMemoryMessage struct {
	AddressVal string
	SizeVal    int64
	Durable    bool
	Large      bool
	// Accepts, if non-nil, is consulted by AcceptsConsumer; a nil
	// Accepts accepts every consumer.
	Accepts func(seqID uint64) bool
}

func (m *InMemoryMessage) Address() string { return m.AddressVal }
func (m *InMemoryMessage) Size() int64     { return m.SizeVal }
func (m *InMemoryMessage) IsDurable() bool { return m.Durable }
func (m *InMemoryMessage) IsLarge() bool   { return m.Large }

func (m *InMemoryMessage) AcceptsConsumer(seqID uint64) bool {
	if m.Accepts == nil {
		return true
	}
	return m.Accepts(seqID)
}

// InMemoryQueue is a test/reference Queue implementation.
type InMemoryQueue struct {
	QueueName string
	Durable   bool
	Internal  bool
}

func (q *InMemoryQueue) Name() string     { return q.QueueName }
func (q *InMemoryQueue) IsDurable() bool  { return q.Durable }
func (q *InMemoryQueue) IsInternal() bool { return q.Internal }

// InMemoryTx is a test/reference Tx implementation that simply records
// what happened to it.
type InMemoryTx struct {
	mu           sync.Mutex
	RollbackOnly bool
	Committed    bool
	RolledBack   bool
}

func (t *InMemoryTx) MarkRollbackOnly() {
	t.mu.Lock()
	t.RollbackOnly = true
	t.mu.Unlock()
}

func (t *InMemoryTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RollbackOnly {
		return errors.New("msgref: commit of a rollback-only transaction")
	}
	t.Committed = true
	return nil
}

func (t *InMemoryTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RolledBack = true
	return nil
}

// InMemoryReference is a test/reference Reference implementation.
type InMemoryReference struct {
	ID    ID
	Msg   *InMemoryMessage
	Q     *InMemoryQueue
	Paged bool

	mu            sync.Mutex
	deliveryCount int
	consumerID    uint64
	handled       bool
	acked         []ackCall
}

type ackCall struct {
	ConsumerID uint64
	Tx         Tx
}

func NewInMemoryReference(id ID, msg *InMemoryMessage, q *InMemoryQueue) *InMemoryReference {
	return &InMemoryReference{ID: id, Msg: msg, Q: q}
}

func (r *InMemoryReference) MessageID() ID     { return r.ID }
func (r *InMemoryReference) Message() Message  { return r.Msg }
func (r *InMemoryReference) Queue() Queue      { return r.Q }

func (r *InMemoryReference) DeliveryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveryCount
}

func (r *InMemoryReference) IncrementDeliveryCount() {
	r.mu.Lock()
	r.deliveryCount++
	r.mu.Unlock()
}

func (r *InMemoryReference) DecrementDeliveryCount() {
	r.mu.Lock()
	r.deliveryCount--
	r.mu.Unlock()
}

func (r *InMemoryReference) Handled() {
	r.mu.Lock()
	r.handled = true
	r.mu.Unlock()
}

func (r *InMemoryReference) WasHandled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handled
}

func (r *InMemoryReference) SetConsumerID(id uint64) {
	r.mu.Lock()
	r.consumerID = id
	r.mu.Unlock()
}

func (r *InMemoryReference) ConsumerID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumerID
}

func (r *InMemoryReference) Acknowledge(ctx context.Context, tx Tx, consumerID uint64) error {
	r.mu.Lock()
	r.acked = append(r.acked, ackCall{ConsumerID: consumerID, Tx: tx})
	r.mu.Unlock()
	return nil
}

func (r *InMemoryReference) AckCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

func (r *InMemoryReference) IsPaged() bool { return r.Paged }
