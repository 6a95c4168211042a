// Package booking defines the booking-platform adapter and its reservation idempotency guard.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// ErrSlotConflict is the platform refusing a reservation because the slot is taken.
var ErrSlotConflict = errors.Join(apperrors.ErrConflict, errors.New("slot already reserved"))

// ReserveRequest identifies who is booked into which slot.
type ReserveRequest struct {
	Slot   domain.Slot
	UserID string
	Phone  string
	Tags   []string
}

// Provider abstracts the booking platform.
type Provider interface {
	FindSlots(ctx context.Context, clinicAreaID string, from time.Time) ([]domain.Slot, error)
	Reserve(ctx context.Context, req ReserveRequest) (string, error)
}

// PickSlot returns the first slot starting on or after from that matches the preferred time of day.
func PickSlot(slots []domain.Slot, from time.Time, tod domain.TimeOfDay) (domain.Slot, bool) {
	var best domain.Slot
	found := false
	for _, slot := range slots {
		if slot.Start.Before(from) {
			continue
		}
		if tod != domain.TimeOfDayAny && slot.TimeOfDay() != tod {
			continue
		}
		if !found || slot.Start.Before(best.Start) {
			best, found = slot, true
		}
	}
	return best, found
}
