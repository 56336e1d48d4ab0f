package sinks

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"backcheck/internal/notify"
)

// Producer is the subset of *kgo.Client used by EventSink.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// EventSink publishes organization-facing events to Kafka. The payload is
// forwarded unchanged, keyed by correlation ID so events for one check stay
// ordered within a partition.
type EventSink struct {
	producer Producer
	topic    string
}

func NewEventSink(producer Producer, topic string) (*EventSink, error) {
	if producer == nil {
		return nil, errors.New("kafka producer is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &EventSink{producer: producer, topic: topic}, nil
}

func (s *EventSink) Deliver(ctx context.Context, env notify.Envelope) error {
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(env.CorrelationID),
		Value: env.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "envelope_id", Value: []byte(env.ID)},
			{Key: "recipient_ref", Value: []byte(env.RecipientRef)},
		},
	}
	if err := s.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		permanent := errors.Is(err, kerr.MessageTooLarge) || errors.Is(err, kerr.InvalidTopicException)
		return &notify.DeliveryError{Sink: "kafka", Recipient: env.RecipientRef, Err: err, Permanent: permanent}
	}
	return nil
}
