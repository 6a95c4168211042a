// Package transition applies classified call results and operator actions to lead state.
package transition

import (
	"fmt"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// Outcome is the next lead state plus the side effects to commit with it.
type Outcome struct {
	State   domain.LeadState
	Effects []domain.Effect
	// Counted is true when the lead was already closed: only the attempt was recorded.
	Counted bool
}

// Effect returns the effect of the given kind, if present.
func (o Outcome) Effect(kind domain.EffectKind) (domain.Effect, bool) {
	for _, e := range o.Effects {
		if e.EffectKind() == kind {
			return e, true
		}
	}
	return nil, false
}

var declineSubReasons = map[domain.DeclineReason]domain.StatusLevel2{
	domain.DeclineOngoingTreatmentInsurer: domain.Level2OngoingTreatment,
	domain.DeclineOngoingTreatmentPrivate: domain.Level2PrivateTreatment,
	domain.DeclinePolicyCancellation:      domain.Level2PolicyCancellation,
	domain.DeclineWillCallBack:            domain.Level2NoReasonGiven,
	domain.DeclineNoReasonGiven:           domain.Level2NoReasonGiven,
}

var noContactSubReasons = map[domain.NoContactKind]domain.StatusLevel2{
	domain.NoContactBusy:      domain.Level2Unavailable,
	domain.NoContactNoAnswer:  domain.Level2Voicemail,
	domain.NoContactVoicemail: domain.Level2Voicemail,
	domain.NoContactHangup:    domain.Level2Interrupted,
}

// Apply computes the transition of lead under result at now. It never mutates lead.
func Apply(lead domain.Lead, result domain.CallResult, now time.Time, cfg domain.SchedulerConfig) (Outcome, error) {
	next := lead.LeadState
	next.CallAttemptsCount++

	if lead.Closed() {
		return Outcome{State: next, Counted: true}, nil
	}

	var (
		effects []domain.Effect
		retry   bool
	)

	switch r := result.(type) {
	case domain.AppointmentRequested:
		next.StatusLevel1 = domain.Level1Appointment
		next.StatusLevel2 = domain.Level2WithoutPack
		if r.WithPack {
			next.StatusLevel2 = domain.Level2WithPack
		}
		closeLead(&next, cfg.ClosureLabel(domain.ClosureKindAppointment))

		date := r.DesiredDate
		if date == nil {
			date = lead.EarliestDate
		}
		if date == nil {
			today := civilDate(now)
			date = &today
		}
		next.EarliestDate = date
		if r.PreferredTimeOfDay != domain.TimeOfDayAny {
			next.PreferredTimeOfDay = r.PreferredTimeOfDay
		}
		effects = append(effects,
			domain.EmitBookingIntent{Payload: domain.BookingIntentPayload{
				LeadID:    lead.ID,
				Date:      date.Format(domain.DateLayout),
				TimeOfDay: next.PreferredTimeOfDay,
				WithPack:  r.WithPack,
			}},
			domain.CancelSchedules{},
		)

	case domain.InterestedPending:
		next.StatusLevel1 = domain.Level1CallBack
		next.StatusLevel2 = domain.Level2WillCallWhenReady
		if r.EarliestDate != nil {
			next.EarliestDate = r.EarliestDate
		}
		retry = true

	case domain.Declined:
		sub, ok := declineSubReasons[r.Reason]
		if !ok {
			sub = domain.Level2NoReasonGiven
		}
		next.StatusLevel1 = domain.Level1Declined
		next.StatusLevel2 = sub
		closeLead(&next, cfg.ClosureLabel(domain.ClosureKindDeclined))
		effects = append(effects, domain.CancelSchedules{})

	case domain.NoContactSoft:
		sub, ok := noContactSubReasons[r.Sub]
		if !ok {
			sub = domain.Level2Voicemail
		}
		next.StatusLevel1 = domain.Level1CallBack
		next.StatusLevel2 = sub
		retry = true

	case domain.PlatformFailure:
		next.PlatformFailureCount++
		if lead.PlatformFailureCount >= 1 {
			markWrongNumber(&next, cfg)
			effects = append(effects, domain.CancelSchedules{})
			break
		}
		next.StatusLevel1 = domain.Level1CallBack
		next.StatusLevel2 = domain.Level2Interrupted
		retry = true

	case domain.WrongNumber:
		markWrongNumber(&next, cfg)
		effects = append(effects, domain.CancelSchedules{})

	default:
		return Outcome{}, fmt.Errorf("%w: unsupported call result %T", apperrors.ErrInvariantViolation, result)
	}

	if retry {
		if next.CallAttemptsCount >= cfg.MaxAttempts {
			closeLead(&next, cfg.ClosureLabel(domain.ClosureKindAttemptsExhausted))
			effects = append(effects, domain.CancelSchedules{})
		} else {
			effects = append(effects, domain.ScheduleRetry{
				NotBefore:     now.Add(cfg.RescheduleDelay()),
				AttemptNumber: next.CallAttemptsCount + 1,
			})
		}
	}

	out := Outcome{State: next, Effects: effects}
	if err := Check(lead.LeadState, out, false); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func closeLead(s *domain.LeadState, reason domain.ClosureReason) {
	s.LeadStatus = domain.LeadStatusClosed
	s.ClosureReason = reason
}

func markWrongNumber(s *domain.LeadState, cfg domain.SchedulerConfig) {
	s.StatusLevel1 = domain.Level1WrongNumber
	s.StatusLevel2 = domain.Level2None
	closeLead(s, cfg.ClosureLabel(domain.ClosureKindWrongNumber))
}

func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
