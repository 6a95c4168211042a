package transition

import (
	"fmt"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// CheckState verifies the per-lead invariants of s.
// hasAppointment reports whether a reservation already exists for the lead.
func CheckState(s domain.LeadState, hasAppointment bool) error {
	if !domain.ValidStatusPair(s.StatusLevel1, s.StatusLevel2) {
		return violation("status pair (%q, %q) is not allowed", s.StatusLevel1, s.StatusLevel2)
	}
	switch s.LeadStatus {
	case domain.LeadStatusClosed:
		if !domain.ValidClosureReason(s.ClosureReason) {
			return violation("closed lead has closure reason %q", s.ClosureReason)
		}
	case domain.LeadStatusOpen:
		if s.ClosureReason != domain.ClosureNone {
			return violation("open lead carries closure reason %q", s.ClosureReason)
		}
	default:
		return violation("unknown lead status %q", s.LeadStatus)
	}
	if s.StatusLevel1 == domain.Level1Appointment && s.EarliestDate == nil && !hasAppointment {
		return violation("appointment status without appointment or earliest date")
	}
	if s.CallAttemptsCount < 0 || s.PlatformFailureCount < 0 {
		return violation("negative counters")
	}
	return nil
}

// Check verifies that out is a legal successor of prev.
func Check(prev domain.LeadState, out Outcome, hasAppointment bool) error {
	if err := CheckState(out.State, hasAppointment); err != nil {
		return err
	}
	if out.State.CallAttemptsCount < prev.CallAttemptsCount {
		return violation("call attempts decreased from %d to %d", prev.CallAttemptsCount, out.State.CallAttemptsCount)
	}

	seen := make(map[domain.EffectKind]bool, len(out.Effects))
	for _, e := range out.Effects {
		if seen[e.EffectKind()] {
			return violation("duplicate %s effect", e.EffectKind())
		}
		seen[e.EffectKind()] = true
	}
	if out.State.Closed() && !prev.Closed() && !seen[domain.EffectCancelSchedules] {
		return violation("lead closed without cancelling its schedule")
	}
	if seen[domain.EffectScheduleRetry] {
		if out.State.Closed() {
			return violation("retry scheduled for closed lead")
		}
		if seen[domain.EffectCancelSchedules] {
			return violation("retry and cancellation emitted together")
		}
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvariantViolation, fmt.Sprintf(format, args...))
}
