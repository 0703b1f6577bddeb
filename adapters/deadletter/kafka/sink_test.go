package kafka

import (
	"context"
	"testing"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

type fakeMessage struct {
	address string
	durable bool
}

func (m *fakeMessage) Address() string             { return m.address }
func (m *fakeMessage) Size() int64                 { return 0 }
func (m *fakeMessage) IsDurable() bool             { return m.durable }
func (m *fakeMessage) IsLarge() bool               { return false }
func (m *fakeMessage) AcceptsConsumer(uint64) bool { return true }

type fakeQueue struct{ name string }

func (q *fakeQueue) Name() string     { return q.name }
func (q *fakeQueue) IsDurable() bool  { return true }
func (q *fakeQueue) IsInternal() bool { return false }

type fakeReference struct {
	id            msgref.ID
	msg           *fakeMessage
	queue         *fakeQueue
	deliveryCount int
}

func (r *fakeReference) MessageID() msgref.ID    { return r.id }
func (r *fakeReference) Message() msgref.Message { return r.msg }
func (r *fakeReference) Queue() msgref.Queue     { return r.queue }
func (r *fakeReference) DeliveryCount() int      { return r.deliveryCount }
func (r *fakeReference) IncrementDeliveryCount() { r.deliveryCount++ }
func (r *fakeReference) DecrementDeliveryCount() {
	if r.deliveryCount > 0 {
		r.deliveryCount--
	}
}
func (r *fakeReference) Handled()                                             {}
func (r *fakeReference) SetConsumerID(uint64)                                 {}
func (r *fakeReference) Acknowledge(context.Context, msgref.Tx, uint64) error { return nil }
func (r *fakeReference) IsPaged() bool                                       { return false }

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}.SetDefaults()
	if cfg.TopicSuffix != ".dlq" {
		t.Fatalf("TopicSuffix = %q, want \".dlq\"", cfg.TopicSuffix)
	}

	cfg = Config{TopicSuffix: ".dead"}.SetDefaults()
	if cfg.TopicSuffix != ".dead" {
		t.Fatalf("TopicSuffix = %q, want \".dead\" (explicit value should not be overridden)", cfg.TopicSuffix)
	}
}

func TestSinkTopicFor(t *testing.T) {
	s := &Sink{cfg: Config{TopicSuffix: ".dlq"}}
	ref := &fakeReference{id: 1, msg: &fakeMessage{address: "orders"}, queue: &fakeQueue{name: "orders"}}

	if got, want := s.topicFor(ref), "orders.dlq"; got != want {
		t.Fatalf("topicFor = %q, want %q", got, want)
	}
}

func TestBuildMessageCarriesDeliveryCountAndDurability(t *testing.T) {
	ref := &fakeReference{
		id:            42,
		msg:           &fakeMessage{address: "orders/123", durable: true},
		queue:         &fakeQueue{name: "orders"},
		deliveryCount: 3,
	}

	msg := buildMessage("orders.dlq", ref)
	if msg.Topic != "orders.dlq" {
		t.Fatalf("Topic = %q, want %q", msg.Topic, "orders.dlq")
	}

	key, err := msg.Key.Encode()
	if err != nil {
		t.Fatalf("Key.Encode: %v", err)
	}
	if string(key) != "42" {
		t.Fatalf("Key = %q, want %q", key, "42")
	}

	value, err := msg.Value.Encode()
	if err != nil {
		t.Fatalf("Value.Encode: %v", err)
	}
	if string(value) != "orders/123" {
		t.Fatalf("Value = %q, want %q", value, "orders/123")
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	if headers["delivery_count"] != "3" {
		t.Fatalf("delivery_count header = %q, want %q", headers["delivery_count"], "3")
	}
	if headers["durable"] != "true" {
		t.Fatalf("durable header = %q, want %q", headers["durable"], "true")
	}
}
