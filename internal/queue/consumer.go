package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/pkg/logger"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BookingIntentHandler processes one intent. A returned error is logged; the offset is committed regardless,
// so handlers record their own failures.
type BookingIntentHandler func(ctx context.Context, msg BookingIntentMessage) error

// BookingIntentConsumer reads booking intents in the booking consumer group.
type BookingIntentConsumer struct {
	reader MessageReader
	logger *logger.Logger
}

// NewBookingIntentConsumer constructs a consumer for the configured intent topic.
func NewBookingIntentConsumer(k *Kafka, log *logger.Logger) *BookingIntentConsumer {
	return NewBookingIntentConsumerWithReader(k.NewReader(k.cfg.BookingIntentTopic, k.cfg.BookingConsumerGroup), log)
}

// NewBookingIntentConsumerWithReader wraps an existing reader.
func NewBookingIntentConsumerWithReader(r MessageReader, log *logger.Logger) *BookingIntentConsumer {
	if log == nil {
		log = logger.NewNop()
	}
	return &BookingIntentConsumer{reader: r, logger: log.Named("intent-consumer")}
}

// Run consumes until ctx is cancelled.
func (c *BookingIntentConsumer) Run(ctx context.Context, handle BookingIntentHandler) error {
	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("intent consumer: fetch: %w", err)
		}

		var msg BookingIntentMessage
		if err := json.Unmarshal(record.Value, &msg); err != nil {
			c.logger.Error("intent consumer: discarding malformed message",
				zap.Int64("offset", record.Offset),
				zap.Int("partition", record.Partition),
				zap.Error(err),
			)
		} else if err := handle(ctx, msg); err != nil {
			c.logger.Warn("intent consumer: handler failed",
				zap.String("intent_id", msg.IntentID.String()),
				zap.Int64("lead_id", msg.LeadID),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("intent consumer: commit: %w", err)
		}
	}
}

// Close closes the reader.
func (c *BookingIntentConsumer) Close() error {
	return c.reader.Close()
}
