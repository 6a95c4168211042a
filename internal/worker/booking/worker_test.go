package booking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bookingapi "github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/booking/mock"
	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/queue"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/repository/memory"
)

var now = time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)

type deadLetterSink struct {
	msgs []queue.DeadLetterMessage
}

func (d *deadLetterSink) Publish(_ context.Context, msg queue.DeadLetterMessage) error {
	d.msgs = append(d.msgs, msg)
	return nil
}

type conflictingProvider struct {
	bookingapi.Provider
	attempts int
}

func (c *conflictingProvider) Reserve(_ context.Context, req bookingapi.ReserveRequest) (string, error) {
	c.attempts++
	return "", fmt.Errorf("slot %s: %w", req.Slot.ID, bookingapi.ErrSlotConflict)
}

func seed(t *testing.T, store *memory.Store, area string, payload domain.BookingIntentPayload) queue.BookingIntentMessage {
	t.Helper()
	ctx := context.Background()
	l := &domain.Lead{SourceBatch: "b", PrimaryPhone: "611000004", ClinicAreaID: area}
	require.NoError(t, store.Leads().Insert(ctx, l))
	payload.LeadID = l.ID
	intent := domain.NewBookingIntent(payload, now)
	state := l.LeadState
	state.StatusLevel1, state.StatusLevel2 = domain.Level1Appointment, domain.Level2WithPack
	state.LeadStatus, state.ClosureReason = domain.LeadStatusClosed, domain.ClosureAppointment
	require.NoError(t, store.Leads().ApplyTransition(ctx, repository.TransitionCommit{
		LeadID: l.ID, ExpectedVersion: l.Version, State: state, CancelSchedules: true, BookingIntent: &intent, Now: now,
	}))
	require.NoError(t, store.BookingIntents().MarkPublished(ctx, intent.ID, now))
	return queue.NewBookingIntentMessage(&intent, now)
}

func newWorker(store *memory.Store, provider bookingapi.Provider, dlq DeadLetters, area string) *Worker {
	return New(store.BookingIntents(), store.Leads(), provider, dlq, Config{DefaultClinicArea: area, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond}, nil, nil)
}

func TestHandleReservesFirstMatchingSlot(t *testing.T) {
	store := memory.NewStore()
	platform := mock.NewProvider()
	guarded := bookingapi.NewIdempotent(platform, bookingapi.NewMemoryIdempotency(), time.Minute)
	msg := seed(t, store, "MAD-01", domain.BookingIntentPayload{Date: "2025-02-14", TimeOfDay: domain.TimeOfDayAfternoon, WithPack: true})
	w := newWorker(store, guarded, &deadLetterSink{}, "")
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, msg))
	intent, err := store.BookingIntents().Get(ctx, msg.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingIntentReserved, intent.Status)
	assert.Equal(t, "res-1", intent.ReservationID)

	require.NoError(t, w.Handle(ctx, msg))
	assert.Equal(t, 1, platform.Reservations())
}

func TestHandleDeadLettersConflicts(t *testing.T) {
	store := memory.NewStore()
	provider := &conflictingProvider{Provider: mock.NewProvider()}
	dlq := &deadLetterSink{}
	msg := seed(t, store, "", domain.BookingIntentPayload{Date: "2025-02-14"})
	w := newWorker(store, provider, dlq, "BCN-02")
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, msg))
	assert.Equal(t, maxSlotCandidates, provider.attempts)
	intent, _ := store.BookingIntents().Get(ctx, msg.IntentID)
	assert.Equal(t, domain.BookingIntentConflict, intent.Status)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, string(domain.BookingIntentConflict), dlq.msgs[0].Kind)
}

func TestHandleFailsWithoutClinicArea(t *testing.T) {
	store := memory.NewStore()
	dlq := &deadLetterSink{}
	msg := seed(t, store, "", domain.BookingIntentPayload{Date: "2025-02-14"})
	w := newWorker(store, mock.NewProvider(), dlq, "")
	ctx := context.Background()

	require.NoError(t, w.Handle(ctx, msg))
	intent, _ := store.BookingIntents().Get(ctx, msg.IntentID)
	assert.Equal(t, domain.BookingIntentFailed, intent.Status)
	assert.NotEmpty(t, intent.LastError)
	assert.Len(t, dlq.msgs, 1)
}
