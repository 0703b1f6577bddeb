package consumer

import (
	"errors"
	"fmt"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

// ErrNoReference is returned when an ack targets an absent reference.
// The enclosing transaction has been marked rollback-only by the time
// the caller sees it.
type ErrNoReference struct {
	ConsumerID uint64
	MessageID  msgref.ID
	QueueName  string
}

func (e *ErrNoReference) Error() string {
	return fmt.Sprintf("consumer %d: no reference %v in queue %q", e.ConsumerID, e.MessageID, e.QueueName)
}

// ErrIllegalState signals a structural invariant violation, such as
// cancelling an absent reference.
var ErrIllegalState = errors.New("consumer: illegal state")

// ErrClosed is returned by any mutating operation once the consumer
// has been closed.
var ErrClosed = errors.New("consumer: closed")

// ErrBrowseOnly is returned by ack/cancel/reject operations on a
// browse-only consumer, which never populates the ledger.
var ErrBrowseOnly = errors.New("consumer: operation not valid on a browse-only consumer")

// TransportError wraps a failure from the session's send path. The
// delivery is considered not completed; the pending-delivery latch is
// still decremented.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("consumer: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
