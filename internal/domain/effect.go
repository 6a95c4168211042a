package domain

import "time"

// EffectKind tags a side effect emitted by the transition engine.
type EffectKind string

const (
	EffectScheduleRetry     EffectKind = "schedule_retry"
	EffectCancelSchedules   EffectKind = "cancel_schedules"
	EffectEmitBookingIntent EffectKind = "emit_booking_intent"
)

// Effect is a side effect committed together with a lead transition.
type Effect interface {
	EffectKind() EffectKind
}

// ScheduleRetry asks for a new attempt no earlier than NotBefore.
type ScheduleRetry struct {
	NotBefore     time.Time
	AttemptNumber int
}

// CancelSchedules cancels every pending entry of the lead.
type CancelSchedules struct{}

// EmitBookingIntent asks the booking adapter to reserve an appointment.
type EmitBookingIntent struct {
	Payload BookingIntentPayload
}

func (ScheduleRetry) EffectKind() EffectKind     { return EffectScheduleRetry }
func (CancelSchedules) EffectKind() EffectKind   { return EffectCancelSchedules }
func (EmitBookingIntent) EffectKind() EffectKind { return EffectEmitBookingIntent }
