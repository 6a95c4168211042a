package booking_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/booking"
	"github.com/acme/dental-outreach/internal/booking/mock"
	"github.com/acme/dental-outreach/internal/domain"
)

func TestPickSlot(t *testing.T) {
	day := time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)
	slots := []domain.Slot{
		{ID: "late", Start: day.Add(16 * time.Hour)},
		{ID: "early", Start: day.Add(9 * time.Hour)},
		{ID: "before", Start: day.Add(-15 * time.Hour)},
	}

	got, ok := booking.PickSlot(slots, day, domain.TimeOfDayAny)
	require.True(t, ok)
	assert.Equal(t, "early", got.ID)

	got, ok = booking.PickSlot(slots, day, domain.TimeOfDayAfternoon)
	require.True(t, ok)
	assert.Equal(t, "late", got.ID)

	_, ok = booking.PickSlot(slots[:1], day, domain.TimeOfDayMorning)
	assert.False(t, ok)
}

func TestIdempotentReserveCollapsesRepeats(t *testing.T) {
	platform := mock.NewProvider()
	guarded := booking.NewIdempotent(platform, booking.NewMemoryIdempotency(), time.Minute)
	ctx := context.Background()

	slots, err := guarded.FindSlots(ctx, "MAD-01", time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	req := booking.ReserveRequest{Slot: slots[0], UserID: "7", Phone: "+34611000001"}

	first, err := guarded.Reserve(ctx, req)
	require.NoError(t, err)
	second, err := guarded.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, platform.Reservations())

	other := req
	other.UserID = "8"
	_, err = guarded.Reserve(ctx, other)
	assert.True(t, errors.Is(err, booking.ErrSlotConflict))
}

func TestIdempotentReserveReleasesKeyOnFailure(t *testing.T) {
	platform := mock.NewProvider()
	guarded := booking.NewIdempotent(platform, booking.NewMemoryIdempotency(), time.Minute)
	ctx := context.Background()
	slot := domain.Slot{ID: "MAD-01-20250214T0900"}
	platform.Take(slot.ID)

	_, err := guarded.Reserve(ctx, booking.ReserveRequest{Slot: slot, UserID: "7"})
	require.True(t, errors.Is(err, booking.ErrSlotConflict))
	_, err = guarded.Reserve(ctx, booking.ReserveRequest{Slot: slot, UserID: "7"})
	assert.True(t, errors.Is(err, booking.ErrSlotConflict))
}
