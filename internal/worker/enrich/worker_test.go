package enrich

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository/memory"
	"github.com/acme/dental-outreach/internal/scheduler"
	"github.com/acme/dental-outreach/internal/service/lead"
	"github.com/acme/dental-outreach/internal/telephony"
	"github.com/acme/dental-outreach/internal/telephony/mock"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

var dispatchedAt = time.Date(2025, 1, 6, 11, 0, 0, 0, time.UTC)

type harness struct {
	store    *memory.Store
	provider *mock.Provider
	service  *lead.Service
}

func newHarness() *harness {
	store := memory.NewStore()
	policy := scheduler.StaticSettings(domain.DefaultSchedulerConfig())
	svc := lead.NewService(lead.Dependencies{
		Leads:     store.Leads(),
		Calls:     store.Calls(),
		Schedules: store.Schedules(),
		Incidents: store.Incidents(),
		Retry:     scheduler.NewRetryScheduler(store.Schedules(), policy, time.UTC),
		Policy:    policy,
	}, lead.Options{})
	return &harness{store: store, provider: mock.NewProvider(1), service: svc}
}

func (h *harness) worker(provider telephony.Provider, at time.Time) *Worker {
	w := New(h.store.Calls(), provider, h.service, Config{BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, MaxRetries: 2}, nil, nil)
	w.now = func() time.Time { return at }
	return w
}

func (h *harness) dispatched(t *testing.T, phone, callID string) *domain.Lead {
	t.Helper()
	ctx := context.Background()
	l := &domain.Lead{SourceBatch: "b", PrimaryPhone: phone}
	require.NoError(t, h.store.Leads().Insert(ctx, l))
	reserved, err := h.store.Leads().TryReserve(ctx, []int64{l.ID}, "w1", dispatchedAt)
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	require.NoError(t, h.store.Calls().RecordDispatch(ctx, &domain.CallRecord{
		CallID: callID, LeadID: l.ID, PhoneCalled: domain.E164(phone), DispatchedAt: dispatchedAt,
	}))
	return l
}

func TestRejectedCallIDMarksRecordInvalid(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	l6 := h.dispatched(t, "611000006", "c-6")
	h.provider.Reject("c-6")
	w := h.worker(h.provider, dispatchedAt.Add(2*time.Minute))

	report, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeInvalid])

	record, err := h.store.Calls().Get(ctx, "c-6")
	require.NoError(t, err)
	assert.Equal(t, domain.CallRecordInvalidCallID, record.Status)
	assert.NotEmpty(t, record.Note)

	got, _ := h.store.Leads().Get(ctx, l6.ID)
	assert.Equal(t, domain.LeadStatusOpen, got.LeadStatus)
	assert.Equal(t, domain.Level1Open, got.StatusLevel1)
	// the rejected call is still one attempt on record
	assert.Equal(t, 1, got.CallAttemptsCount)
	entries, _ := h.store.Schedules().ListByLead(ctx, l6.ID)
	assert.Empty(t, entries)

	again, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Polled)

	orphans, err := h.service.Orphans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, l6.ID, orphans[0].LeadID)
}

func TestQuietPeriodDelaysPolling(t *testing.T) {
	h := newHarness()
	h.dispatched(t, "611000007", "c-7")

	report, err := h.worker(h.provider, dispatchedAt.Add(90*time.Second)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Polled)
}

func TestClosedReportIsApplied(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	l := h.dispatched(t, "611000008", "c-8")
	h.provider.SetReport("c-8", domain.CallReport{Status: "closed", OutcomeCode: 7, DurationSeconds: 20})

	report, err := h.worker(h.provider, dispatchedAt.Add(3*time.Minute)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeApplied])

	got, _ := h.store.Leads().Get(ctx, l.ID)
	assert.Equal(t, 1, got.CallAttemptsCount)
	assert.Equal(t, domain.Level2Voicemail, got.StatusLevel2)
	assert.False(t, got.SelectedForCalling)
	record, _ := h.store.Calls().Get(ctx, "c-8")
	assert.Equal(t, domain.CallRecordEnriched, record.Status)
}

func TestOpenReportIsLeftPending(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.dispatched(t, "611000009", "c-9")
	h.provider.SetReport("c-9", domain.CallReport{Status: "in_progress"})

	report, err := h.worker(h.provider, dispatchedAt.Add(3*time.Minute)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeOpen])
	record, _ := h.store.Calls().Get(ctx, "c-9")
	assert.Equal(t, domain.CallRecordPending, record.Status)
}

type flakyProvider struct {
	telephony.Provider
	calls atomic.Int32
}

func (f *flakyProvider) GetCall(ctx context.Context, callID string) (domain.CallReport, error) {
	f.calls.Add(1)
	return domain.CallReport{}, fmt.Errorf("gateway: %w", apperrors.ErrRetryableExternal)
}

func TestTransientErrorsBackOffThenDefer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.dispatched(t, "611000010", "c-10")
	flaky := &flakyProvider{Provider: h.provider}

	report, err := h.worker(flaky, dispatchedAt.Add(3*time.Minute)).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Outcomes[OutcomeDeferred])
	assert.Equal(t, int32(3), flaky.calls.Load())
	record, _ := h.store.Calls().Get(ctx, "c-10")
	assert.Equal(t, domain.CallRecordPending, record.Status)
}
