package main

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/consumer"
	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/core/stream"
	"github.com/pepper-iot/broker-delivery/pkg/log"
)

// consoleSession is a stand-in collab.Session that writes every
// delivery to the log instead of a real client socket. It exists so
// this harness can demonstrate the engine end to end without a wire
// protocol implementation, which is out of this module's scope.
type consoleSession struct {
	writable int32 // atomic bool, 1 = writable
}

func newConsoleSession() *consoleSession {
	s := &consoleSession{}
	atomic.StoreInt32(&s.writable, 1)
	return s
}

func (s *consoleSession) HasCredits(consumer collab.ConsumerInfo, ref msgref.Reference) bool {
	return true
}

func (s *consoleSession) IsWritable(ctx context.Context, consumer collab.ConsumerInfo) bool {
	return atomic.LoadInt32(&s.writable) == 1
}

func (s *consoleSession) SendMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, c collab.ConsumerInfo, deliveryCount int) (int64, error) {
	log.Infof("consumer %d: delivered %v (%s, %d bytes, delivery_count=%d)",
		c.ConsumerID(), ref.MessageID(), deliveryAddress(c, msg.Address()), msg.Size(), deliveryCount)
	return msg.Size(), nil
}

func (s *consoleSession) SendLargeMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, c collab.ConsumerInfo, totalSize int64, deliveryCount int) (int64, error) {
	log.Infof("consumer %d: large message %v header (%s, %d bytes total)",
		c.ConsumerID(), ref.MessageID(), deliveryAddress(c, msg.Address()), totalSize)
	return 64, nil
}

// addressRewriter is the slice of the consumer controller this session
// needs to apply the legacy address prefix at send time. Satisfied by
// *consumer.Controller; browse-only identities don't carry it and keep
// the address as-is.
type addressRewriter interface {
	LegacyClient() bool
	RoutingType() consumer.RoutingType
}

// deliveryAddress returns the address a message leaves with: rewritten
// with the jms.queue./jms.topic. prefix for legacy-client consumers,
// untouched otherwise.
func deliveryAddress(c collab.ConsumerInfo, address string) string {
	r, ok := c.(addressRewriter)
	if !ok {
		return address
	}
	return consumer.RewriteAddress(r.LegacyClient(), r.RoutingType(), address)
}

func (s *consoleSession) SendLargeMessageContinuation(ctx context.Context, consumer collab.ConsumerInfo, body []byte, hasMore bool, requiresResponse bool) (int64, error) {
	log.Debugf("consumer %d: large message chunk (%d bytes, more=%v)", consumer.ConsumerID(), len(body), hasMore)
	return int64(len(body)), nil
}

func (s *consoleSession) UpdateDeliveryCountAfterCancel(consumer collab.ConsumerInfo, ref msgref.Reference, failed bool) bool {
	return false
}

func (s *consoleSession) AfterDelivery(consumer collab.ConsumerInfo) {}

func (s *consoleSession) Disconnect(consumer collab.ConsumerInfo, queueName string) {
	log.Warnf("consumer %d: disconnected from %q", consumer.ConsumerID(), queueName)
}

func (s *consoleSession) BrowserFinished(consumer collab.ConsumerInfo) {
	log.Infof("consumer %d: browse exhausted", consumer.ConsumerID())
}

func (s *consoleSession) SupportsDirectDelivery() bool { return true }

// consolePlugins is a no-op collab.Plugins: this harness has no
// plugins loaded, it just exercises the hook call sites.
type consolePlugins struct{}

func (consolePlugins) CanAccept(consumer collab.ConsumerInfo, ref msgref.Reference) bool { return true }
func (consolePlugins) BeforeDeliver(consumer collab.ConsumerInfo, ref msgref.Reference)  {}
func (consolePlugins) AfterDeliver(consumer collab.ConsumerInfo, ref msgref.Reference)   {}
func (consolePlugins) BeforeCloseConsumer(consumer collab.ConsumerInfo, failed bool)     {}
func (consolePlugins) AfterCloseConsumer(consumer collab.ConsumerInfo, failed bool)      {}

// consoleNotifier logs CONSUMER_CLOSED notifications instead of
// publishing them to a management address.
type consoleNotifier struct{}

func (consoleNotifier) ConsumerClosed(props collab.NotificationProperties) {
	log.Infof("CONSUMER_CLOSED address=%s routing=%s consumer_count=%d",
		props.Address, props.RoutingName, props.ConsumerCount)
}

// noopDeliveryCountStore discards delivery-count persistence; a real
// deployment would back this with whatever durable store the broker
// uses for redelivery counts.
type noopDeliveryCountStore struct{}

func (noopDeliveryCountStore) PersistDeliveryCount(ctx context.Context, ref msgref.Reference, count int) error {
	return nil
}

// inMemoryTxFactory hands out a Tx for ack calls made without one
// already open; amqp091-go's own ack is not two-phase, so this Tx only
// has to satisfy the interface, not coordinate a real commit.
type inMemoryTxFactory struct{}

func (inMemoryTxFactory) NewTx(ctx context.Context) msgref.Tx { return &msgref.InMemoryTx{} }

// stringBodyOpener opens a large message body straight out of the
// message's address field, treated as the payload for demo purposes:
// this harness has no backing large-message store, so it improvises
// one from data already on hand.
type stringBodyOpener struct{}

func (stringBodyOpener) Open(ctx context.Context, ref msgref.Reference) (stream.LargeBodyReader, error) {
	body := strings.NewReader(ref.Message().Address())
	return &readerBody{Reader: body, size: int64(body.Len())}, nil
}

type readerBody struct {
	*strings.Reader
	size int64
}

func (r *readerBody) Close() error { return nil }
func (r *readerBody) Size() int64  { return r.size }

// browseIdentity is the fixed consumer identity the browse-mode
// traversal runs under; browse-only consumers never ack, so nothing
// downstream depends on these ids beyond logging.
type browseIdentity struct{}

func (browseIdentity) ConsumerID() uint64   { return 1 }
func (browseIdentity) SequentialID() uint64 { return 1 }
func (browseIdentity) QueueName() string    { return "browse" }

// noopUsageTracker is the large-message usage counter this harness
// doesn't otherwise track.
type noopUsageTracker struct{}

func (noopUsageTracker) IncrementUsage(ref msgref.Reference) {}
func (noopUsageTracker) DecrementUsage(ref msgref.Reference) {}
