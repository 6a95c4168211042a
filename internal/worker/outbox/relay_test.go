package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/queue"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/repository/memory"
)

type capturePublisher struct {
	msgs   []queue.BookingIntentMessage
	failAt int
}

func (c *capturePublisher) Publish(_ context.Context, msg queue.BookingIntentMessage) error {
	if c.failAt > 0 && len(c.msgs)+1 == c.failAt {
		return errors.New("broker unavailable")
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func seedIntent(t *testing.T, store *memory.Store, phone string, created time.Time) *domain.BookingIntent {
	t.Helper()
	ctx := context.Background()
	l := &domain.Lead{SourceBatch: "b", PrimaryPhone: phone}
	require.NoError(t, store.Leads().Insert(ctx, l))
	intent := domain.NewBookingIntent(domain.BookingIntentPayload{LeadID: l.ID, Date: "2025-02-14", WithPack: true}, created)
	state := l.LeadState
	state.StatusLevel1, state.StatusLevel2 = domain.Level1Appointment, domain.Level2WithPack
	state.LeadStatus, state.ClosureReason = domain.LeadStatusClosed, domain.ClosureAppointment
	require.NoError(t, store.Leads().ApplyTransition(ctx, repository.TransitionCommit{
		LeadID: l.ID, ExpectedVersion: l.Version, State: state, CancelSchedules: true, BookingIntent: &intent, Now: created,
	}))
	return &intent
}

func TestRelayPublishesAndMarks(t *testing.T) {
	store := memory.NewStore()
	base := time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)
	first := seedIntent(t, store, "611000001", base)
	seedIntent(t, store, "611000002", base.Add(time.Second))
	pub := &capturePublisher{}

	n, err := NewRelay(store.BookingIntents(), pub, 10, nil, nil).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, first.ID, pub.msgs[0].IntentID)

	pending, err := store.BookingIntents().ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRelayStopsAtFirstFailure(t *testing.T) {
	store := memory.NewStore()
	base := time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)
	seedIntent(t, store, "611000001", base)
	second := seedIntent(t, store, "611000002", base.Add(time.Second))
	seedIntent(t, store, "611000003", base.Add(2*time.Second))
	pub := &capturePublisher{failAt: 2}

	n, err := NewRelay(store.BookingIntents(), pub, 10, nil, nil).RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)

	pending, _ := store.BookingIntents().ListPending(context.Background(), 10)
	require.Len(t, pending, 2)
	assert.Equal(t, second.ID, pending[0].ID)
}
