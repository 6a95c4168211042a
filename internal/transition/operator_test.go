package transition

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

func exhaustedLead(t *testing.T) domain.Lead {
	t.Helper()
	cfg := domain.DefaultSchedulerConfig()
	lead := openLead(20)
	for !lead.Closed() {
		out, err := Apply(lead, domain.NoContactSoft{Sub: domain.NoContactNoAnswer}, now, cfg)
		require.NoError(t, err)
		lead = advance(lead, out)
	}
	require.Equal(t, domain.ClosureUnreachable, lead.ClosureReason)
	return lead
}

func TestForceClose(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	out, err := ForceClose(openLead(21), "no colabora", cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusClosed, out.State.LeadStatus)
	assert.Equal(t, domain.ClosureUncooperative, out.State.ClosureReason)
	_, cancelled := out.Effect(domain.EffectCancelSchedules)
	assert.True(t, cancelled)

	_, err = ForceClose(openLead(21), "whatever", cfg)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = ForceClose(openLead(21), domain.ClosureAppointment, cfg)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	_, err = ForceClose(exhaustedLead(t), domain.ClosureNotUseful, cfg)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestForceCloseUnreachableNeedsExhaustedAttempts(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	lead := openLead(23)
	lead.CallAttemptsCount = cfg.MaxAttempts - 1

	_, err := ForceClose(lead, domain.ClosureUnreachable, cfg)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	lead.CallAttemptsCount = cfg.MaxAttempts
	out, err := ForceClose(lead, domain.ClosureUnreachable, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.ClosureUnreachable, out.State.ClosureReason)
	assert.Equal(t, cfg.MaxAttempts, out.State.CallAttemptsCount)

	// other reasons do not depend on the attempt count
	_, err = ForceClose(openLead(24), domain.ClosureNotUseful, cfg)
	assert.NoError(t, err)
}

func TestReopenKeepsAttempts(t *testing.T) {
	lead := exhaustedLead(t)
	out, err := Reopen(lead)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusOpen, out.State.LeadStatus)
	assert.Equal(t, domain.ClosureNone, out.State.ClosureReason)
	assert.Equal(t, lead.CallAttemptsCount, out.State.CallAttemptsCount)
	assert.Equal(t, lead.StatusLevel1, out.State.StatusLevel1)
	assert.Empty(t, out.Effects)
}

func TestReopenRejected(t *testing.T) {
	_, err := Reopen(openLead(22))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	wrong := openLead(23)
	closed, err := Apply(wrong, domain.WrongNumber{}, now, domain.DefaultSchedulerConfig())
	require.NoError(t, err)
	wrong = advance(wrong, closed)
	_, err = Reopen(wrong)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestManualAppointment(t *testing.T) {
	cfg := domain.DefaultSchedulerConfig()
	date := time.Date(2025, 2, 20, 9, 30, 0, 0, time.UTC)

	out, err := ManualAppointment(openLead(24), date, true, false, cfg)
	require.NoError(t, err)
	assert.Equal(t, domain.Level1Appointment, out.State.StatusLevel1)
	assert.Equal(t, domain.Level2ManualAppointment, out.State.StatusLevel2)
	assert.Equal(t, domain.ClosureAppointment, out.State.ClosureReason)
	assert.Equal(t, "2025-02-20", out.State.EarliestDate.Format(domain.DateLayout))
	_, emitted := out.Effect(domain.EffectEmitBookingIntent)
	assert.False(t, emitted)

	out, err = ManualAppointment(exhaustedLead(t), date, false, true, cfg)
	require.NoError(t, err)
	effect, emitted := out.Effect(domain.EffectEmitBookingIntent)
	require.True(t, emitted)
	payload := effect.(domain.EmitBookingIntent).Payload
	assert.True(t, payload.Manual)
	assert.Equal(t, "2025-02-20", payload.Date)

	booked := openLead(25)
	booked = advance(booked, out)
	_, err = ManualAppointment(booked, date, false, false, cfg)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	_, err = ManualAppointment(openLead(26), time.Time{}, false, false, cfg)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}
