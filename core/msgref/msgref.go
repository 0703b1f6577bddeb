// Package msgref defines the MessageReference contract consumed by the
// delivery engine. The reference itself is owned by the queue; the
// engine only ever sees it through this interface.
package msgref

import (
	"context"
)

// ID identifies a message within its queue.
type ID uint64

// Tx is the transactional context passed to Acknowledge. A nil Tx
// means "open and manage an implicit transaction for this call".
type Tx interface {
	// MarkRollbackOnly flags the transaction so that a subsequent
	// Commit is rejected; used when an ack fails partway through a
	// batch.
	MarkRollbackOnly()
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Message is the payload-level view of a reference: the parts that
// don't change as the reference moves through delivery.
type Message interface {
	Address() string
	Size() int64
	IsDurable() bool
	IsLarge() bool
	// AcceptsConsumer reports whether this message is eligible for
	// the consumer with the given sequential id (grouping / exclusive
	// consumer filters live here, outside this engine's scope).
	AcceptsConsumer(seqID uint64) bool
}

// Queue is the narrow queue-identity surface a Reference exposes to
// the engine, distinct from the collab.Queue collaborator (which is
// the queue as seen by the consumer controller, not by a reference).
type Queue interface {
	Name() string
	IsDurable() bool
	IsInternal() bool
}

// Reference is a lightweight handle to a message sitting in a queue.
// It carries delivery count and paging/durability flags, and exposes
// the small set of mutators the dispatch state machine and controller
// are allowed to call.
type Reference interface {
	MessageID() ID
	Message() Message
	Queue() Queue

	DeliveryCount() int
	IncrementDeliveryCount()
	DecrementDeliveryCount()

	// Handled marks the reference as having left the queue's pending
	// set and entered delivery.
	Handled()

	SetConsumerID(id uint64)

	// Acknowledge performs the reference's own ack bookkeeping once
	// the controller has decided to ack it. consumer is passed through
	// so per-consumer ack stats can be attributed.
	Acknowledge(ctx context.Context, tx Tx, consumerID uint64) error

	// IsPaged reports whether the reference currently lives on a
	// paged (not fully in-memory) segment of the queue.
	IsPaged() bool
}
