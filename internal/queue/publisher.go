package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of kafka.Writer used by publishers.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher publishes dispatch outcome events.
type EventPublisher struct {
	writer MessageWriter
}

// NewEventPublisher constructs a publisher for the given topic.
func NewEventPublisher(k *Kafka, topic string) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic)}
}

// NewEventPublisherWithWriter wraps an existing writer.
func NewEventPublisherWithWriter(w MessageWriter) *EventPublisher {
	return &EventPublisher{writer: w}
}

// PublishDispatch emits a dispatch event keyed by message id.
func (p *EventPublisher) PublishDispatch(ctx context.Context, evt DispatchEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   evt.MessageID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// PublishInbound emits an inbound event keyed by sender phone.
func (p *EventPublisher) PublishInbound(ctx context.Context, evt InboundEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event publisher: marshal inbound: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(evt.SenderPhone),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write inbound: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
