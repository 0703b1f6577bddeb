// Package kafka implements an alternative dead-letter sink backed by
// github.com/IBM/sarama's synchronous producer, for queues that hand
// rejected/expired references off to a Kafka topic instead of a
// same-broker dead-letter exchange. It exists alongside
// adapters/queue/rabbitmq's in-broker DLX so that either dead-letter
// mechanism can back a Queue's SendToDeadLetterAddress without the
// delivery engine itself knowing which one is in play.
package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/pkg/log"
	"github.com/pepper-iot/broker-delivery/utils"
)

// Config configures a Sink.
type Config struct {
	Brokers []string

	// TopicSuffix is appended to a reference's queue name to form its
	// dead-letter topic ("orders" -> "orders.dlq").
	TopicSuffix string

	// Errs receives publish failures in addition to Send returning
	// them; nil drops the copy.
	Errs utils.AsyncErrors
}

func (c Config) SetDefaults() Config {
	if c.TopicSuffix == "" {
		c.TopicSuffix = ".dlq"
	}
	return c
}

// Sink publishes rejected/cancelled-with-expire references to a
// per-queue Kafka topic via a synchronous producer, so the caller
// observes the publish outcome before considering the reference
// dead-lettered.
type Sink struct {
	cfg      Config
	producer sarama.SyncProducer
}

// New dials brokers and constructs a Sink. The producer config mirrors
// the durability posture a dead-letter path needs: every broker in the
// ISR must acknowledge, and transient failures are retried before
// giving up.
func New(cfg Config) (*Sink, error) {
	cfg = cfg.SetDefaults()

	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: new sync producer: %w", err)
	}

	return &Sink{cfg: cfg, producer: producer}, nil
}

// topicFor derives ref's dead-letter topic from its queue name.
func (s *Sink) topicFor(ref msgref.Reference) string {
	return ref.Queue().Name() + s.cfg.TopicSuffix
}

// buildMessage constructs the producer message for ref. Split out from
// Send so the message shape can be checked without a live producer.
func buildMessage(topic string, ref msgref.Reference) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(uint64(ref.MessageID()), 10)),
		Value: sarama.StringEncoder(ref.Message().Address()),
		Headers: []sarama.RecordHeader{
			{Key: []byte("delivery_count"), Value: []byte(strconv.Itoa(ref.DeliveryCount()))},
			{Key: []byte("durable"), Value: []byte(strconv.FormatBool(ref.Message().IsDurable()))},
		},
	}
}

// Send publishes ref to its queue's dead-letter topic, keyed by
// message id so repeated rejects of the same reference land on the
// same partition (useful for downstream dedup).
func (s *Sink) Send(ctx context.Context, ref msgref.Reference) error {
	topic := s.topicFor(ref)
	msg := buildMessage(topic, ref)

	partition, offset, err := s.producer.SendMessage(msg)
	if err != nil {
		s.cfg.Errs.Send(err)
		return fmt.Errorf("kafka: dead-letter publish to %q: %w", topic, err)
	}
	log.Debugf("kafka: dead-lettered message %v to %s[partition=%d offset=%d]", ref.MessageID(), topic, partition, offset)
	return nil
}

// Close releases the underlying producer.
func (s *Sink) Close() error {
	return s.producer.Close()
}
