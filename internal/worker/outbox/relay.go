// Package outbox relays booking intents committed with lead transitions to the message bus.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/queue"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/pkg/logger"
)

// Publisher writes intent messages.
type Publisher interface {
	Publish(ctx context.Context, msg queue.BookingIntentMessage) error
}

// Relay publishes pending intents oldest first.
type Relay struct {
	intents   repository.BookingIntentRepository
	publisher Publisher
	batchSize int
	logger    *logger.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewRelay constructs the relay.
func NewRelay(intents repository.BookingIntentRepository, publisher Publisher, batchSize int, log *logger.Logger, metrics *telemetry.Metrics) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Relay{
		intents:   intents,
		publisher: publisher,
		batchSize: batchSize,
		logger:    log.Named("outbox"),
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run relays every interval until cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.metrics.Error(ctx, "outbox", err)
			r.logger.Warn("outbox: relay failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce publishes one batch. It stops at the first publish failure so intents leave in order.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("outreach.outbox").Start(ctx, "outbox.relay")
	defer span.End()

	pending, err := r.intents.ListPending(ctx, r.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("outbox: list pending: %w", err)
	}

	published := 0
	for _, intent := range pending {
		now := r.now()
		if err := r.publisher.Publish(ctx, queue.NewBookingIntentMessage(intent, now)); err != nil {
			span.RecordError(err)
			return published, fmt.Errorf("outbox: publish %s: %w", intent.ID, err)
		}
		if err := r.intents.MarkPublished(ctx, intent.ID, now); err != nil {
			// the consumer ignores intents it already processed, so a republish is harmless
			return published, fmt.Errorf("outbox: mark published %s: %w", intent.ID, err)
		}
		published++
	}
	if published > 0 {
		r.logger.Info("outbox: intents published", zap.Int("count", published))
	}
	return published, nil
}
