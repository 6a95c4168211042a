// Package booking consumes booking intents and reserves appointment slots on the booking platform.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	bookingapi "github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/queue"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/telemetry"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

// maxSlotCandidates bounds how many slots are tried when the platform reports conflicts.
const maxSlotCandidates = 3

// DeadLetters receives intents that could not be booked.
type DeadLetters interface {
	Publish(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Config tunes the worker.
type Config struct {
	DefaultClinicArea string
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// Worker turns booking intents into reservations.
type Worker struct {
	intents     repository.BookingIntentRepository
	leads       repository.LeadRepository
	provider    bookingapi.Provider
	deadLetters DeadLetters
	cfg         Config
	logger      *logger.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// New constructs the worker. deadLetters may be nil.
func New(intents repository.BookingIntentRepository, leads repository.LeadRepository, provider bookingapi.Provider, deadLetters DeadLetters, cfg Config, log *logger.Logger, metrics *telemetry.Metrics) *Worker {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		intents:     intents,
		leads:       leads,
		provider:    provider,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger:      log.Named("booking-worker"),
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one intent message. Intents already settled are ignored.
func (w *Worker) Handle(ctx context.Context, msg queue.BookingIntentMessage) error {
	ctx, span := otel.Tracer("outreach.booking").Start(ctx, "booking.intent", trace.WithAttributes(
		attribute.String("intent.id", msg.IntentID.String()),
		attribute.Int64("lead.id", msg.LeadID),
	))
	defer span.End()
	log := w.logger.WithContext(ctx).With(zap.String("intent_id", msg.IntentID.String()), zap.Int64("lead_id", msg.LeadID))

	intent, err := w.intents.Get(ctx, msg.IntentID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking worker: load intent %s: %w", msg.IntentID, err)
	}
	switch intent.Status {
	case domain.BookingIntentReserved, domain.BookingIntentConflict, domain.BookingIntentFailed:
		log.Info("booking worker: intent already settled", zap.String("status", string(intent.Status)))
		return nil
	}

	lead, err := w.leads.Get(ctx, msg.LeadID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("booking worker: load lead: %w", err)
	}

	reservationID, err := w.book(ctx, lead, intent.Payload)
	now := w.now()
	switch {
	case err == nil:
		if err := w.intents.MarkResult(ctx, intent.ID, domain.BookingIntentReserved, reservationID, "", now); err != nil {
			return fmt.Errorf("booking worker: mark reserved: %w", err)
		}
		log.Info("booking worker: slot reserved", zap.String("reservation_id", reservationID))
		return nil
	case errors.Is(err, bookingapi.ErrSlotConflict):
		return w.settle(ctx, msg, intent, domain.BookingIntentConflict, err, log)
	default:
		return w.settle(ctx, msg, intent, domain.BookingIntentFailed, err, log)
	}
}

func (w *Worker) book(ctx context.Context, lead *domain.Lead, payload domain.BookingIntentPayload) (string, error) {
	from, err := time.Parse(domain.DateLayout, payload.Date)
	if err != nil {
		return "", fmt.Errorf("%w: intent date %q: %v", apperrors.ErrValidation, payload.Date, err)
	}
	area := lead.ClinicAreaID
	if area == "" {
		area = w.cfg.DefaultClinicArea
	}
	if area == "" {
		return "", fmt.Errorf("%w: lead %d has no clinic area", apperrors.ErrValidation, lead.ID)
	}

	slots, err := retry(ctx, w.policy(ctx), func() ([]domain.Slot, error) {
		return w.provider.FindSlots(ctx, area, from)
	})
	if err != nil {
		return "", err
	}

	req := bookingapi.ReserveRequest{
		UserID: strconv.FormatInt(lead.ID, 10),
		Phone:  domain.E164(lead.PrimaryPhone),
		Tags:   tags(payload),
	}
	var lastErr error
	for attempt := 0; attempt < maxSlotCandidates; attempt++ {
		slot, ok := bookingapi.PickSlot(slots, from, payload.TimeOfDay)
		if !ok {
			break
		}
		req.Slot = slot
		id, err := retry(ctx, w.policy(ctx), func() (string, error) {
			return w.provider.Reserve(ctx, req)
		})
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, bookingapi.ErrSlotConflict) {
			return "", err
		}
		lastErr = err
		slots = without(slots, slot.ID)
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("booking worker: no %s slot in %s from %s", todLabel(payload.TimeOfDay), area, payload.Date)
}

func (w *Worker) settle(ctx context.Context, msg queue.BookingIntentMessage, intent *domain.BookingIntent, status domain.BookingIntentStatus, cause error, log *logger.Logger) error {
	w.metrics.Error(ctx, "booking-worker", cause)
	if err := w.intents.MarkResult(ctx, intent.ID, status, "", cause.Error(), w.now()); err != nil {
		return fmt.Errorf("booking worker: mark %s: %w", status, err)
	}
	log.Warn("booking worker: intent not booked", zap.String("status", string(status)), zap.Error(cause))
	if w.deadLetters == nil {
		return nil
	}
	dead := queue.DeadLetterMessage{Intent: msg, Reason: cause.Error(), Kind: string(status), FailedAt: w.now()}
	if err := w.deadLetters.Publish(ctx, dead); err != nil {
		return fmt.Errorf("booking worker: dead letter: %w", err)
	}
	return nil
}

func (w *Worker) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.BackoffBase
	exp.MaxInterval = w.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(w.cfg.MaxRetries, 0))), ctx)
}

// retry repeats op while it fails with a retryable external error.
func retry[T any](ctx context.Context, policy backoff.BackOff, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && (!errors.Is(err, apperrors.ErrRetryableExternal) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}

func tags(payload domain.BookingIntentPayload) []string {
	out := []string{"outreach"}
	if payload.WithPack {
		out = append(out, "con-pack")
	} else {
		out = append(out, "sin-pack")
	}
	if payload.Manual {
		out = append(out, "manual")
	}
	return out
}

func without(slots []domain.Slot, id string) []domain.Slot {
	out := slots[:0:0]
	for _, s := range slots {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func todLabel(tod domain.TimeOfDay) string {
	if tod == domain.TimeOfDayAny {
		return "free"
	}
	return string(tod)
}
