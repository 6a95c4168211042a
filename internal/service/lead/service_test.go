package lead

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/outcome"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/repository/memory"
	"github.com/acme/dental-outreach/internal/scheduler"
	"github.com/acme/dental-outreach/internal/transition"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

var callTime = time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	service *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureWithLeads(t, opts, nil)
}

func newFixtureWithLeads(t *testing.T, opts Options, wrap func(repository.LeadRepository) repository.LeadRepository) *fixture {
	t.Helper()
	store := memory.NewStore()
	policy := scheduler.StaticSettings(domain.DefaultSchedulerConfig())
	var leads repository.LeadRepository = store.Leads()
	if wrap != nil {
		leads = wrap(leads)
	}
	svc := NewService(Dependencies{
		Leads:     leads,
		Calls:     store.Calls(),
		Schedules: store.Schedules(),
		Incidents: store.Incidents(),
		Archive:   store.Reports(),
		Retry:     scheduler.NewRetryScheduler(store.Schedules(), policy, time.UTC),
		Policy:    policy,
	}, opts)
	svc.now = func() time.Time { return callTime }
	return &fixture{store: store, service: svc}
}

func (f *fixture) lead(t *testing.T, phone string) *domain.Lead {
	t.Helper()
	l := &domain.Lead{SourceBatch: "batch", PrimaryPhone: phone}
	require.NoError(t, f.store.Leads().Insert(context.Background(), l))
	return l
}

func (f *fixture) dispatch(t *testing.T, leadID int64, callID string) *domain.CallRecord {
	t.Helper()
	rec := &domain.CallRecord{CallID: callID, LeadID: leadID, PhoneCalled: "+34611000001", DispatchedAt: callTime.Add(-3 * time.Minute)}
	require.NoError(t, f.store.Calls().RecordDispatch(context.Background(), rec))
	stored, err := f.store.Calls().Get(context.Background(), callID)
	require.NoError(t, err)
	return stored
}

func (f *fixture) pending(t *testing.T, leadID int64) []*domain.ScheduleEntry {
	t.Helper()
	entries, err := f.store.Schedules().ListByLead(context.Background(), leadID)
	require.NoError(t, err)
	var out []*domain.ScheduleEntry
	for _, e := range entries {
		if e.Status == domain.SchedulePending {
			out = append(out, e)
		}
	}
	return out
}

func TestApplyReportNoAnswerSchedulesClampedRetry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l1 := f.lead(t, "611000001")
	rec := f.dispatch(t, l1.ID, "call-1")

	res, err := f.service.ApplyReport(ctx, rec, domain.CallReport{CallID: "call-1", Status: "closed", OutcomeCode: outcome.CodeNoAnswer, DurationSeconds: 12})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	got, err := f.store.Leads().Get(ctx, l1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Level1CallBack, got.StatusLevel1)
	assert.Equal(t, domain.Level2Voicemail, got.StatusLevel2)
	assert.Equal(t, 1, got.CallAttemptsCount)
	assert.False(t, got.SelectedForCalling)

	pending := f.pending(t, l1.ID)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].ScheduledAt.Equal(time.Date(2025, 1, 7, 17, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2, pending[0].AttemptNumber)

	enriched, err := f.store.Calls().Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRecordEnriched, enriched.Status)
	require.NotNil(t, enriched.DurationSeconds)
	assert.Equal(t, 12, *enriched.DurationSeconds)

	archived, err := f.store.Reports().ListByLead(ctx, l1.ID, 10)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestApplyReportTwiceIsNoop(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l := f.lead(t, "611000002")
	rec := f.dispatch(t, l.ID, "call-2")
	report := domain.CallReport{CallID: "call-2", Status: "closed", OutcomeCode: 1, CollectedInfo: map[string]any{outcome.KeyNotInterested: true}}

	_, err := f.service.ApplyReport(ctx, rec, report)
	require.NoError(t, err)
	before, _ := f.store.Leads().Get(ctx, l.ID)

	// the caller still holds the stale pending copy of the record
	res, err := f.service.ApplyReport(ctx, rec, report)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	after, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.CallAttemptsCount, after.CallAttemptsCount)
}

func TestApplyRejectedStartClosesAsWrongNumber(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l := f.lead(t, "611000003")
	_, err := f.service.ScheduleCall(ctx, l.ID, time.Time{})
	require.NoError(t, err)
	rec := f.dispatch(t, l.ID, "rejected-1")

	res, err := f.service.ApplyRejectedStart(ctx, rec)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.ClosureWrongPhone, res.Lead.ClosureReason)

	got, err := f.store.Leads().Get(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed())
	assert.Equal(t, 1, got.CallAttemptsCount)
	assert.Empty(t, f.pending(t, l.ID))

	stored, err := f.store.Calls().Get(ctx, "rejected-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRecordEnriched, stored.Status)

	// the stale pending copy is committed at most once
	res, err = f.service.ApplyRejectedStart(ctx, rec)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	res, err = f.service.ApplyRejectedStart(ctx, stored)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	after, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, got.Version, after.Version)
}

func TestAttemptCapClosesUnreachable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l2 := f.lead(t, "611000003")

	for i := 1; i <= 6; i++ {
		rec := f.dispatch(t, l2.ID, fmt.Sprintf("call-cap-%d", i))
		code := outcome.CodeBusy
		if i == 6 {
			code = outcome.CodeHangup
		}
		_, err := f.service.ApplyReport(ctx, rec, domain.CallReport{CallID: rec.CallID, Status: "closed", OutcomeCode: code})
		require.NoError(t, err)
	}

	got, _ := f.store.Leads().Get(ctx, l2.ID)
	assert.Equal(t, domain.LeadStatusClosed, got.LeadStatus)
	assert.Equal(t, domain.ClosureUnreachable, got.ClosureReason)
	assert.Equal(t, 6, got.CallAttemptsCount)
	assert.Empty(t, f.pending(t, l2.ID))
}

func TestPlatformFailureTwiceCancelsEntries(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l3 := f.lead(t, "611000004")

	first := f.dispatch(t, l3.ID, "call-pf-1")
	_, err := f.service.ApplyReport(ctx, first, domain.CallReport{CallID: first.CallID, Status: "closed", OutcomeCode: outcome.CodePlatformFailure})
	require.NoError(t, err)
	got, _ := f.store.Leads().Get(ctx, l3.ID)
	assert.Equal(t, domain.Level2Interrupted, got.StatusLevel2)
	require.Len(t, f.pending(t, l3.ID), 1)

	second := f.dispatch(t, l3.ID, "call-pf-2")
	_, err = f.service.ApplyReport(ctx, second, domain.CallReport{CallID: second.CallID, Status: "closed", OutcomeCode: outcome.CodePlatformFailure})
	require.NoError(t, err)
	got, _ = f.store.Leads().Get(ctx, l3.ID)
	assert.Equal(t, domain.Level1WrongNumber, got.StatusLevel1)
	assert.Equal(t, domain.ClosureWrongPhone, got.ClosureReason)
	assert.Empty(t, f.pending(t, l3.ID))
}

func TestAppointmentWritesBookingIntent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l4 := f.lead(t, "611000005")
	_, err := f.service.ScheduleCall(ctx, l4.ID, callTime.Add(48*time.Hour))
	require.NoError(t, err)

	rec := f.dispatch(t, l4.ID, "call-appt")
	res, err := f.service.ApplyReport(ctx, rec, domain.CallReport{CallID: rec.CallID, Status: "closed", OutcomeCode: 1, CollectedInfo: map[string]any{
		outcome.KeyWithPack: true, outcome.KeyDesiredDate: "2025-02-14", outcome.KeyTimeOfDay: "morning",
	}})
	require.NoError(t, err)
	require.NotNil(t, res.BookingIntent)

	pending, err := f.store.BookingIntents().ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.BookingIntentPayload{LeadID: l4.ID, Date: "2025-02-14", TimeOfDay: domain.TimeOfDayMorning, WithPack: true}, pending[0].Payload)
	assert.Empty(t, f.pending(t, l4.ID))
}

type staleLeads struct {
	repository.LeadRepository
	mu       sync.Mutex
	failures int
}

func (s *staleLeads) ApplyTransition(ctx context.Context, commit repository.TransitionCommit) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return fmt.Errorf("forced: %w", repository.ErrStaleVersion)
	}
	s.mu.Unlock()
	return s.LeadRepository.ApplyTransition(ctx, commit)
}

func TestStaleVersionIsRetried(t *testing.T) {
	stale := &staleLeads{failures: 3}
	f := newFixtureWithLeads(t, Options{}, func(r repository.LeadRepository) repository.LeadRepository {
		stale.LeadRepository = r
		return stale
	})
	ctx := context.Background()
	l := f.lead(t, "611000006")

	_, err := f.service.ForceClose(ctx, l.ID, domain.ClosureUncooperative)
	require.NoError(t, err)
	got, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, domain.ClosureUncooperative, got.ClosureReason)
}

func TestStaleVersionExhaustedRecordsIncident(t *testing.T) {
	stale := &staleLeads{failures: 4}
	f := newFixtureWithLeads(t, Options{}, func(r repository.LeadRepository) repository.LeadRepository {
		stale.LeadRepository = r
		return stale
	})
	ctx := context.Background()
	l := f.lead(t, "611000007")

	_, err := f.service.ForceClose(ctx, l.ID, domain.ClosureUncooperative)
	require.True(t, errors.Is(err, apperrors.ErrStaleVersion))

	got, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, domain.LeadStatusOpen, got.LeadStatus)
	incidents, err := f.service.Incidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentStaleExhausted, incidents[0].Kind)
}

func TestInvariantViolationLeavesLeadUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	l := f.lead(t, "611000008")

	_, err := f.service.commit(ctx, l.ID, "broken", nil, func(lead domain.Lead, _ domain.SchedulerConfig, _ time.Time) (transition.Outcome, error) {
		next := lead.LeadState
		next.StatusLevel1 = domain.Level1Appointment
		out := transition.Outcome{State: next}
		return out, transition.Check(lead.LeadState, out, false)
	})
	require.True(t, errors.Is(err, apperrors.ErrInvariantViolation))

	got, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, l.Version, got.Version)
	assert.Equal(t, domain.Level1Open, got.StatusLevel1)
	incidents, _ := f.service.Incidents(ctx, 10)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentInvariantViolation, incidents[0].Kind)
}

func TestConcurrentReportsKeepAttemptAccounting(t *testing.T) {
	f := newFixture(t, Options{StaleRetries: 100})
	ctx := context.Background()
	l := f.lead(t, "611000009")

	const calls = 4
	records := make([]*domain.CallRecord, calls)
	for i := range records {
		records[i] = f.dispatch(t, l.ID, fmt.Sprintf("call-cc-%d", i))
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec *domain.CallRecord) {
			defer wg.Done()
			_, err := f.service.ApplyReport(ctx, rec, domain.CallReport{CallID: rec.CallID, Status: "closed", OutcomeCode: outcome.CodeBusy})
			assert.NoError(t, err)
		}(rec)
	}
	wg.Wait()

	got, _ := f.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, calls, got.CallAttemptsCount)
	before, after, err := f.service.ReconcileAttempts(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.pending(t, l.ID), 1)
}
