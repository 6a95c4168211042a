package transition

import (
	"fmt"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// ForceClose closes an open lead with an operator-chosen reason. Unreachable is only
// accepted once the lead has used every attempt of cfg.
func ForceClose(lead domain.Lead, reason domain.ClosureReason, cfg domain.SchedulerConfig) (Outcome, error) {
	canonical, ok := domain.CanonicalClosureReason(string(reason))
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unknown closure reason %q", apperrors.ErrValidation, reason)
	}
	if canonical == domain.ClosureAppointment {
		return Outcome{}, fmt.Errorf("%w: use a manual appointment to close with %q", apperrors.ErrValidation, canonical)
	}
	if lead.Closed() {
		return Outcome{}, fmt.Errorf("%w: lead %d is already closed", apperrors.ErrConflict, lead.ID)
	}
	if canonical == domain.ClosureUnreachable && lead.CallAttemptsCount < cfg.MaxAttempts {
		return Outcome{}, fmt.Errorf("%w: lead %d has %d of %d attempts, too few to close as %q",
			apperrors.ErrValidation, lead.ID, lead.CallAttemptsCount, cfg.MaxAttempts, canonical)
	}

	next := lead.LeadState
	closeLead(&next, canonical)
	out := Outcome{State: next, Effects: []domain.Effect{domain.CancelSchedules{}}}
	if err := Check(lead.LeadState, out, false); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Reopen reopens a lead closed as unreachable or uncooperative. The attempt count is kept.
func Reopen(lead domain.Lead) (Outcome, error) {
	if !lead.Closed() {
		return Outcome{}, fmt.Errorf("%w: lead %d is not closed", apperrors.ErrConflict, lead.ID)
	}
	if !lead.ClosureReason.Reopenable() {
		return Outcome{}, fmt.Errorf("%w: lead %d closed as %q cannot be reopened", apperrors.ErrConflict, lead.ID, lead.ClosureReason)
	}

	next := lead.LeadState
	next.LeadStatus = domain.LeadStatusOpen
	next.ClosureReason = domain.ClosureNone
	out := Outcome{State: next}
	if err := Check(lead.LeadState, out, false); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// ManualAppointment records an appointment arranged by an operator.
func ManualAppointment(lead domain.Lead, date time.Time, withPack, emitIntent bool, cfg domain.SchedulerConfig) (Outcome, error) {
	if lead.StatusLevel1 == domain.Level1Appointment {
		return Outcome{}, fmt.Errorf("%w: lead %d already has an appointment", apperrors.ErrConflict, lead.ID)
	}
	if date.IsZero() {
		return Outcome{}, fmt.Errorf("%w: appointment date is required", apperrors.ErrValidation)
	}

	day := civilDate(date)
	next := lead.LeadState
	next.StatusLevel1 = domain.Level1Appointment
	next.StatusLevel2 = domain.Level2ManualAppointment
	next.EarliestDate = &day
	closeLead(&next, cfg.ClosureLabel(domain.ClosureKindAppointment))

	var effects []domain.Effect
	if emitIntent {
		effects = append(effects, domain.EmitBookingIntent{Payload: domain.BookingIntentPayload{
			LeadID:    lead.ID,
			Date:      day.Format(domain.DateLayout),
			TimeOfDay: next.PreferredTimeOfDay,
			WithPack:  withPack,
			Manual:    true,
		}})
	}
	effects = append(effects, domain.CancelSchedules{})

	out := Outcome{State: next, Effects: effects}
	if err := Check(lead.LeadState, out, false); err != nil {
		return Outcome{}, err
	}
	return out, nil
}
