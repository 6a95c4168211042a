package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/dental-outreach/internal/domain"
)

// BookingIntentMessage asks the booking worker to reserve a slot for a lead.
type BookingIntentMessage struct {
	IntentID    uuid.UUID        `json:"intent_id"`
	LeadID      int64            `json:"lead_id"`
	Date        string           `json:"date"`
	TimeOfDay   domain.TimeOfDay `json:"tod,omitempty"`
	WithPack    bool             `json:"with_pack"`
	Manual      bool             `json:"manual,omitempty"`
	PublishedAt time.Time        `json:"published_at"`
}

// NewBookingIntentMessage builds the wire form of a stored intent.
func NewBookingIntentMessage(intent *domain.BookingIntent, now time.Time) BookingIntentMessage {
	return BookingIntentMessage{
		IntentID:    intent.ID,
		LeadID:      intent.LeadID,
		Date:        intent.Payload.Date,
		TimeOfDay:   intent.Payload.TimeOfDay,
		WithPack:    intent.Payload.WithPack,
		Manual:      intent.Payload.Manual,
		PublishedAt: now,
	}
}

// Payload returns the domain payload carried by the message.
func (m BookingIntentMessage) Payload() domain.BookingIntentPayload {
	return domain.BookingIntentPayload{LeadID: m.LeadID, Date: m.Date, TimeOfDay: m.TimeOfDay, WithPack: m.WithPack, Manual: m.Manual}
}

// DeadLetterMessage records a booking intent the worker gave up on.
type DeadLetterMessage struct {
	Intent   BookingIntentMessage `json:"intent"`
	Reason   string               `json:"reason"`
	Kind     string               `json:"kind"`
	FailedAt time.Time            `json:"failed_at"`
}
