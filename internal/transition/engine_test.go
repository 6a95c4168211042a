package transition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/outcome"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

var now = time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)

func openLead(id int64) domain.Lead {
	return domain.Lead{ID: id, PrimaryPhone: "611000001", LeadState: domain.InitialLeadState(), Version: 1}
}

func advance(lead domain.Lead, out Outcome) domain.Lead {
	lead.LeadState = out.State
	lead.Version++
	return lead
}

func TestApplyNoAnswerSchedulesRetry(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	out, err := Apply(openLead(1), outcome.Classify(outcome.CodeNoAnswer, nil), now, cfg)
	require.NoError(t, err)

	assert.Equal(t, domain.Level1CallBack, out.State.StatusLevel1)
	assert.Equal(t, domain.Level2Voicemail, out.State.StatusLevel2)
	assert.Equal(t, 1, out.State.CallAttemptsCount)
	assert.Equal(t, domain.LeadStatusOpen, out.State.LeadStatus)

	require.Len(t, out.Effects, 1)
	retry, ok := out.Effects[0].(domain.ScheduleRetry)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 7, 17, 0, 0, 0, time.UTC), retry.NotBefore)
	assert.Equal(t, 2, retry.AttemptNumber)
}

func TestApplyAttemptCapClosesLead(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	lead := openLead(2)
	for i := 0; i < 5; i++ {
		out, err := Apply(lead, domain.NoContactSoft{Sub: domain.NoContactBusy}, now, cfg)
		require.NoError(t, err)
		_, scheduled := out.Effect(domain.EffectScheduleRetry)
		require.True(t, scheduled, "attempt %d should schedule a retry", i+1)
		lead = advance(lead, out)
	}

	out, err := Apply(lead, outcome.Classify(outcome.CodeHangup, nil), now, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusClosed, out.State.LeadStatus)
	assert.Equal(t, domain.ClosureUnreachable, out.State.ClosureReason)
	assert.Equal(t, 6, out.State.CallAttemptsCount)
	assert.GreaterOrEqual(t, out.State.CallAttemptsCount, cfg.MaxAttempts)

	_, scheduled := out.Effect(domain.EffectScheduleRetry)
	assert.False(t, scheduled)
	_, cancelled := out.Effect(domain.EffectCancelSchedules)
	assert.True(t, cancelled)
}

func TestApplyPlatformFailureTwiceIsWrongNumber(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	lead := openLead(3)

	first, err := Apply(lead, outcome.Classify(outcome.CodePlatformFailure, nil), now, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.Level1CallBack, first.State.StatusLevel1)
	assert.Equal(t, domain.Level2Interrupted, first.State.StatusLevel2)
	_, scheduled := first.Effect(domain.EffectScheduleRetry)
	assert.True(t, scheduled)

	lead = advance(lead, first)
	second, err := Apply(lead, outcome.Classify(outcome.CodePlatformFailure, nil), now.Add(30*time.Hour), cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.Level1WrongNumber, second.State.StatusLevel1)
	assert.Equal(t, domain.Level2None, second.State.StatusLevel2)
	assert.Equal(t, domain.LeadStatusClosed, second.State.LeadStatus)
	assert.Equal(t, domain.ClosureWrongPhone, second.State.ClosureReason)
	require.Len(t, second.Effects, 1)
	assert.Equal(t, domain.EffectCancelSchedules, second.Effects[0].EffectKind())
}

func TestApplyAppointmentEmitsBookingIntent(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	result := outcome.Classify(1, map[string]any{
		outcome.KeyWithPack:    true,
		outcome.KeyDesiredDate: "2025-02-14",
		outcome.KeyTimeOfDay:   "morning",
	})

	out, err := Apply(openLead(4), result, now, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.Level1Appointment, out.State.StatusLevel1)
	assert.Equal(t, domain.Level2WithPack, out.State.StatusLevel2)
	assert.Equal(t, domain.LeadStatusClosed, out.State.LeadStatus)
	assert.Equal(t, domain.ClosureAppointment, out.State.ClosureReason)

	var intents []domain.EmitBookingIntent
	for _, e := range out.Effects {
		if intent, ok := e.(domain.EmitBookingIntent); ok {
			intents = append(intents, intent)
		}
	}
	require.Len(t, intents, 1)
	assert.Equal(t, domain.BookingIntentPayload{
		LeadID:    4,
		Date:      "2025-02-14",
		TimeOfDay: domain.TimeOfDayMorning,
		WithPack:  true,
	}, intents[0].Payload)

	_, cancelled := out.Effect(domain.EffectCancelSchedules)
	assert.True(t, cancelled)
}

func TestApplyAppointmentWithoutDateFallsBackToCallDate(t *testing.T) {
	out, err := Apply(openLead(5), domain.AppointmentRequested{}, now, domain.DefaultSchedulerConfig())
	require.NoError(t, err)
	require.NotNil(t, out.State.EarliestDate)
	assert.Equal(t, "2025-01-06", out.State.EarliestDate.Format(domain.DateLayout))
	assert.Equal(t, domain.Level2WithoutPack, out.State.StatusLevel2)
}

func TestApplyDeclinedMapsReason(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	expected := map[domain.DeclineReason]domain.StatusLevel2{
		domain.DeclineOngoingTreatmentInsurer: domain.Level2OngoingTreatment,
		domain.DeclineOngoingTreatmentPrivate: domain.Level2PrivateTreatment,
		domain.DeclinePolicyCancellation:      domain.Level2PolicyCancellation,
		domain.DeclineWillCallBack:            domain.Level2NoReasonGiven,
		domain.DeclineNoReasonGiven:           domain.Level2NoReasonGiven,
	}
	for reason, sub := range expected {
		out, err := Apply(openLead(6), domain.Declined{Reason: reason}, now, cfg)
		require.NoError(t, err)
		assert.Equal(t, domain.Level1Declined, out.State.StatusLevel1)
		assert.Equal(t, sub, out.State.StatusLevel2, "reason %s", reason)
		assert.Equal(t, domain.ClosureNotUseful, out.State.ClosureReason)
	}
}

func TestApplyInterestedPendingKeepsEarliestDate(t *testing.T) {
	earliest := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out, err := Apply(openLead(7), domain.InterestedPending{EarliestDate: &earliest}, now, domain.DefaultSchedulerConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.Level2WillCallWhenReady, out.State.StatusLevel2)
	assert.Equal(t, &earliest, out.State.EarliestDate)
	_, scheduled := out.Effect(domain.EffectScheduleRetry)
	assert.True(t, scheduled)
}

func TestApplyToClosedLeadOnlyCountsAttempt(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	lead := openLead(8)
	first, err := Apply(lead, domain.WrongNumber{}, now, cfg)
	require.NoError(t, err)
	lead = advance(lead, first)

	again, err := Apply(lead, domain.WrongNumber{}, now, cfg)
	require.NoError(t, err)
	assert.True(t, again.Counted)
	assert.Empty(t, again.Effects)
	assert.Equal(t, first.State.StatusLevel1, again.State.StatusLevel1)
	assert.Equal(t, first.State.ClosureReason, again.State.ClosureReason)
	assert.Equal(t, first.State.CallAttemptsCount+1, again.State.CallAttemptsCount)
}

func TestApplyUsesConfiguredClosureLabels(t *testing.T) {
	cfg, err := domain.ParseSchedulerConfig(map[string]string{
		domain.SettingClosureReasons: `{"declined":"No colabora"}`,
	})
	require.NoError(t, err)
	out, err := Apply(openLead(9), domain.Declined{Reason: domain.DeclineNoReasonGiven}, now, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureUncooperative, out.State.ClosureReason)
}

func TestEveryOutcomeYieldsValidPair(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	results := []domain.CallResult{
		domain.AppointmentRequested{WithPack: true},
		domain.AppointmentRequested{},
		domain.InterestedPending{},
		domain.Declined{Reason: domain.DeclinePolicyCancellation},
		domain.NoContactSoft{Sub: domain.NoContactBusy},
		domain.NoContactSoft{Sub: domain.NoContactNoAnswer},
		domain.NoContactSoft{Sub: domain.NoContactVoicemail},
		domain.NoContactSoft{Sub: domain.NoContactHangup},
		domain.PlatformFailure{},
		domain.WrongNumber{},
	}
	for _, r := range results {
		lead := openLead(10)
		for i := 0; i < cfg.MaxAttempts+1; i++ {
			out, err := Apply(lead, r, now, cfg)
			require.NoError(t, err)
			require.True(t, domain.ValidStatusPair(out.State.StatusLevel1, out.State.StatusLevel2), "%T produced %q/%q", r, out.State.StatusLevel1, out.State.StatusLevel2)
			if out.State.ClosureReason == domain.ClosureUnreachable {
				require.GreaterOrEqual(t, out.State.CallAttemptsCount, cfg.MaxAttempts)
			}
			lead = advance(lead, out)
		}
	}
}

func TestCheckRejectsInvalidStates(t *testing.T) {
	base := domain.InitialLeadState()

	bad := base
	bad.StatusLevel1 = domain.Level1CallBack
	assert.True(t, errors.Is(CheckState(bad, false), apperrors.ErrInvariantViolation))

	closedNoReason := base
	closedNoReason.LeadStatus = domain.LeadStatusClosed
	assert.True(t, errors.Is(CheckState(closedNoReason, false), apperrors.ErrInvariantViolation))

	appointment := base
	appointment.StatusLevel1 = domain.Level1Appointment
	appointment.StatusLevel2 = domain.Level2WithPack
	appointment.LeadStatus = domain.LeadStatusClosed
	appointment.ClosureReason = domain.ClosureAppointment
	assert.True(t, errors.Is(CheckState(appointment, false), apperrors.ErrInvariantViolation))
	assert.NoError(t, CheckState(appointment, true))

	retryOnClosed := Outcome{State: closedNoReason, Effects: []domain.Effect{domain.ScheduleRetry{NotBefore: now}}}
	closedNoReason.ClosureReason = domain.ClosureNotUseful
	retryOnClosed.State = closedNoReason
	assert.True(t, errors.Is(Check(base, retryOnClosed, false), apperrors.ErrInvariantViolation))

	lower := base
	lower.CallAttemptsCount = 2
	assert.True(t, errors.Is(Check(lower, Outcome{State: base}, false), apperrors.ErrInvariantViolation))
}
