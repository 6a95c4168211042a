package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publishers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BookingIntentPublisher publishes booking intents keyed by lead.
type BookingIntentPublisher struct {
	writer MessageWriter
}

// NewBookingIntentPublisher constructs a publisher for the configured intent topic.
func NewBookingIntentPublisher(k *Kafka) *BookingIntentPublisher {
	return &BookingIntentPublisher{writer: k.NewWriter(k.cfg.BookingIntentTopic)}
}

// NewBookingIntentPublisherWithWriter wraps an existing writer.
func NewBookingIntentPublisherWithWriter(w MessageWriter) *BookingIntentPublisher {
	return &BookingIntentPublisher{writer: w}
}

// Publish writes one intent message.
func (p *BookingIntentPublisher) Publish(ctx context.Context, msg BookingIntentMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("intent publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.LeadID, 10)),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "intent_id", Value: []byte(msg.IntentID.String())},
		},
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("intent publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *BookingIntentPublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher publishes intents that could not be booked.
type DeadLetterPublisher struct {
	writer MessageWriter
}

// NewDeadLetterPublisher constructs a publisher for the configured dead-letter topic.
func NewDeadLetterPublisher(k *Kafka) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(k.cfg.DeadLetterTopic)}
}

// NewDeadLetterPublisherWithWriter wraps an existing writer.
func NewDeadLetterPublisherWithWriter(w MessageWriter) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: w}
}

// Publish writes one dead-letter message.
func (p *DeadLetterPublisher) Publish(ctx context.Context, msg DeadLetterMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead letter publisher: marshal message: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.Intent.LeadID, 10)),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("dead letter publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
