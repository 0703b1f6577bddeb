// Package collab defines the narrow interfaces the delivery engine
// uses to talk to its external collaborators: the remote-I/O session
// callback, the owning queue, and the plugin surface. Each is a
// capability set injected at construction, never implemented by the
// engine itself.
package collab

import (
	"context"
	"time"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

// ConsumerInfo is the slice of consumer identity collaborators are
// allowed to see. It's satisfied by *consumer.Controller without
// collab needing to import the consumer package.
type ConsumerInfo interface {
	ConsumerID() uint64
	SequentialID() uint64
	QueueName() string
}

// Session is the wire adapter. It's the only collaborator that
// actually touches the network.
type Session interface {
	// HasCredits is a protocol-specific credit check beyond the byte
	// meter (e.g. a per-subscription token).
	HasCredits(consumer ConsumerInfo, ref msgref.Reference) bool

	// IsWritable reports transport writability.
	IsWritable(ctx context.Context, consumer ConsumerInfo) bool

	// SendMessage sends a standard (non-large) message and returns
	// the number of bytes written, to be debited from the credit
	// meter.
	SendMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer ConsumerInfo, deliveryCount int) (packetSize int64, err error)

	// SendLargeMessage sends the header packet of a chunked large
	// message.
	SendLargeMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer ConsumerInfo, totalSize int64, deliveryCount int) (packetSize int64, err error)

	// SendLargeMessageContinuation sends one chunk of a large
	// message's body. requiresResponse=false lets the engine reuse a
	// single chunk buffer across calls, since the session promises
	// not to retain body past the call when no response is required.
	SendLargeMessageContinuation(ctx context.Context, consumer ConsumerInfo, body []byte, hasMore bool, requiresResponse bool) (packetSize int64, err error)

	// UpdateDeliveryCountAfterCancel returns true iff the session took
	// responsibility for adjusting the delivery count on a cancel;
	// otherwise the controller decrements it itself on non-failed
	// cancels.
	UpdateDeliveryCountAfterCancel(consumer ConsumerInfo, ref msgref.Reference, failed bool) bool

	// AfterDelivery is invoked unconditionally after every
	// proceedDeliver, successful or not.
	AfterDelivery(consumer ConsumerInfo)

	Disconnect(consumer ConsumerInfo, queueName string)
	BrowserFinished(consumer ConsumerInfo)
	SupportsDirectDelivery() bool
}

// Executor is the queue's single-writer task queue: the only place
// large-message continuations and forced-delivery probes are
// scheduled, so that sends for one consumer are never interleaved
// across goroutines.
type Executor interface {
	Submit(task func())
}

// BrowserIterator is a cursor-based, read-only traversal over a
// queue's references, used by the browser deliverer (core/browse).
type BrowserIterator interface {
	// Next returns the next reference, or ok=false once exhausted.
	Next() (ref msgref.Reference, ok bool)
	Close()
}

// Queue is the server-side queue a consumer is bound to.
type Queue interface {
	Name() string

	AddConsumer(consumer ConsumerInfo) error
	RemoveConsumer(consumer ConsumerInfo)

	BrowserIterator(consumer ConsumerInfo) (BrowserIterator, error)

	// DeliverAsync asks the queue to resume pushing references to the
	// consumer via Handle; it's the promptDelivery() hook.
	DeliverAsync(consumer ConsumerInfo)

	GetExecutor() Executor

	// Cancel (transactional form) returns ref to the queue as part of
	// tx; expire requests it be immediately re-evaluated for
	// expiry/DLQ routing once the transaction resolves.
	Cancel(ctx context.Context, tx msgref.Tx, ref msgref.Reference, expire bool) error

	// CancelNow is the non-transactional form used by
	// individual_cancel, stamping the wall-clock cancellation time.
	CancelNow(ctx context.Context, ref msgref.Reference, at time.Time) error

	Acknowledge(ctx context.Context, ref msgref.Reference, consumer ConsumerInfo) error

	SendToDeadLetterAddress(ctx context.Context, ref msgref.Reference) error

	AllowsReferenceCallback() bool

	ErrorProcessing(consumer ConsumerInfo, ref msgref.Reference, err error)

	// RecheckRefCount may trigger auto-delete once a consumer detaches.
	RecheckRefCount(consumer ConsumerInfo)
}

// Plugins is the broker plugin surface. Each hook is best-effort: a
// panicking or erroring plugin is recovered/logged by the caller,
// never allowed to break dispatch or close.
type Plugins interface {
	CanAccept(consumer ConsumerInfo, ref msgref.Reference) bool
	BeforeDeliver(consumer ConsumerInfo, ref msgref.Reference)
	AfterDeliver(consumer ConsumerInfo, ref msgref.Reference)
	BeforeCloseConsumer(consumer ConsumerInfo, failed bool)
	AfterCloseConsumer(consumer ConsumerInfo, failed bool)
}

// NotificationProperties are the fields published on the
// CONSUMER_CLOSED management notification.
type NotificationProperties struct {
	Address       string
	ClusterName   string
	RoutingName   string
	Filter        string
	Distance      int
	ConsumerCount int
	User          string
	RemoteAddress string
	SessionName   string
}

// Notifier publishes management notifications. A concrete
// implementation might log structurally and/or increment a metric
// (see pkg/log, pkg/metrics); the engine only depends on this
// interface.
type Notifier interface {
	ConsumerClosed(props NotificationProperties)
}
