package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingIntentPayload is the message asking for an appointment reservation.
type BookingIntentPayload struct {
	LeadID    int64     `json:"lead_id"`
	Date      string    `json:"date"`
	TimeOfDay TimeOfDay `json:"tod,omitempty"`
	WithPack  bool      `json:"with_pack"`
	Manual    bool      `json:"manual,omitempty"`
}

// BookingIntentStatus tracks an intent through the outbox and the booking worker.
type BookingIntentStatus string

const (
	BookingIntentPending   BookingIntentStatus = "pending"
	BookingIntentPublished BookingIntentStatus = "published"
	BookingIntentReserved  BookingIntentStatus = "reserved"
	BookingIntentConflict  BookingIntentStatus = "conflict"
	BookingIntentFailed    BookingIntentStatus = "failed"
)

// BookingIntent is the outbox row written in the same transaction as the lead update.
type BookingIntent struct {
	ID            uuid.UUID
	LeadID        int64
	Payload       BookingIntentPayload
	Status        BookingIntentStatus
	ReservationID string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}

// NewBookingIntent builds a pending outbox row for payload.
func NewBookingIntent(payload BookingIntentPayload, now time.Time) BookingIntent {
	return BookingIntent{
		ID:        uuid.New(),
		LeadID:    payload.LeadID,
		Payload:   payload,
		Status:    BookingIntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Slot is a bookable appointment slot on the booking platform.
type Slot struct {
	ID           string
	ClinicAreaID string
	ClinicName   string
	Start        time.Time
	End          time.Time
}

// TimeOfDay classifies the slot start; afternoon begins at 14:00.
func (s Slot) TimeOfDay() TimeOfDay {
	if s.Start.Hour() < 14 {
		return TimeOfDayMorning
	}
	return TimeOfDayAfternoon
}
