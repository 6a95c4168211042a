// Package dispatch claims due schedule entries, reserves their leads and starts the calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/scheduler"
	leadsvc "github.com/acme/dental-outreach/internal/service/lead"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/internal/telephony"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

// SlotLimiter caps concurrent calls per voice agent.
type SlotLimiter interface {
	Acquire(ctx context.Context, agentID string) (bool, error)
	Release(ctx context.Context, agentID string) error
}

// RejectionApplier commits calls the platform refused to start.
type RejectionApplier interface {
	ApplyRejectedStart(ctx context.Context, record *domain.CallRecord) (*leadsvc.Result, error)
}

// Config tunes the dispatch loop.
type Config struct {
	Token        string
	AgentID      string
	BatchSize    int
	PoolSize     int
	TickInterval time.Duration
	CallTimeout  time.Duration
}

// Dependencies are the collaborators of the worker. Limiter and Rejections are optional.
// Without Rejections a refused start is treated like any other failed start.
type Dependencies struct {
	Retry      *scheduler.RetryScheduler
	Leads      repository.LeadRepository
	Calls      repository.CallRecordRepository
	Provider   telephony.Provider
	Limiter    SlotLimiter
	Rejections RejectionApplier
	Logger     *logger.Logger
	Metrics    *telemetry.Metrics
}

// Report summarises one dispatch pass.
type Report struct {
	Claimed         int
	Dispatched      int
	Rejected        int
	SkippedClosed   int
	SkippedReserved int
	Failed          int
	OutsideWindow   bool
}

// Worker runs the dispatch loop of one process.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *logger.Logger
	now    func() time.Time
}

// New constructs a dispatcher. An empty token gets a random one.
func New(deps Dependencies, cfg Config) *Worker {
	if cfg.Token == "" {
		cfg.Token = "dispatcher-" + uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 35 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: log.Named("dispatcher").With(zap.String("worker", cfg.Token)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Token identifies this worker's reservations.
func (w *Worker) Token() string {
	return w.cfg.Token
}

// Run dispatches every tick until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.deps.Metrics.Error(ctx, "dispatcher", err)
			w.logger.Error("dispatcher: pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due entries and dispatches them. Entries of leads that
// are already reserved stay in flight, the reconciler requeues them once the
// reservation is gone.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	now := w.now()
	if !w.deps.Retry.Window().Contains(now) {
		report.OutsideWindow = true
		return report, nil
	}

	tracer := otel.Tracer("outreach.dispatcher")
	ctx, span := tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(attribute.String("worker", w.cfg.Token)))
	defer span.End()

	entries, err := w.deps.Retry.ClaimDue(ctx, w.cfg.BatchSize, now)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("dispatcher: %w", err)
	}
	report.Claimed = len(entries)
	if len(entries) == 0 {
		return report, nil
	}

	candidates := make(map[int64]candidate, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		lead, err := w.deps.Leads.Get(ctx, entry.LeadID)
		if err != nil {
			report.Failed++
			w.logger.Warn("dispatcher: load lead failed", zap.Int64("entry_id", entry.ID), zap.Int64("lead_id", entry.LeadID), zap.Error(err))
			continue
		}
		switch {
		case lead.Closed():
			report.SkippedClosed++
			w.complete(ctx, entry, domain.OutcomeSkippedClosed)
		case lead.SelectedForCalling:
			report.SkippedReserved++
			w.logger.Debug("dispatcher: lead reserved elsewhere", zap.Int64("entry_id", entry.ID), zap.Int64("lead_id", lead.ID))
		case candidates[lead.ID].entry != nil:
			// a second due entry for the same lead
			report.SkippedReserved++
			w.complete(ctx, entry, domain.OutcomeSkippedBusy)
		default:
			candidates[lead.ID] = candidate{entry: entry, lead: lead}
			ids = append(ids, lead.ID)
		}
	}
	if len(ids) == 0 {
		return report, nil
	}

	reserved, err := w.deps.Leads.TryReserve(ctx, ids, w.cfg.Token, now)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("dispatcher: reserve: %w", err)
	}
	won := make(map[int64]bool, len(reserved))
	for _, id := range reserved {
		won[id] = true
	}
	for _, id := range ids {
		if !won[id] {
			report.SkippedReserved++
			w.logger.Debug("dispatcher: reservation lost", zap.Int64("entry_id", candidates[id].entry.ID), zap.Int64("lead_id", id))
		}
	}

	results := make(chan string, len(reserved))
	p := pool.New().WithMaxGoroutines(w.cfg.PoolSize)
	for _, id := range reserved {
		c, ok := candidates[id]
		if !ok {
			continue
		}
		p.Go(func() {
			results <- w.dispatch(ctx, c.entry, c.lead)
		})
	}
	p.Wait()
	close(results)
	for outcome := range results {
		switch outcome {
		case domain.OutcomeDispatched:
			report.Dispatched++
		case domain.OutcomeRejected:
			report.Rejected++
		default:
			report.Failed++
		}
	}

	span.SetAttributes(attribute.Int("claimed", report.Claimed), attribute.Int("dispatched", report.Dispatched))
	w.logger.Info("dispatcher: batch done",
		zap.Int("claimed", report.Claimed),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("rejected", report.Rejected),
		zap.Int("skipped_closed", report.SkippedClosed),
		zap.Int("skipped_reserved", report.SkippedReserved),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

type candidate struct {
	entry *domain.ScheduleEntry
	lead  *domain.Lead
}

const outcomeFailed = "failed"

// dispatch starts one call for a reserved lead and returns the entry outcome. On failure
// the reservation is released and the entry stays in flight for the reconciler. A start
// the platform refuses outright is committed as a wrong number.
func (w *Worker) dispatch(ctx context.Context, entry *domain.ScheduleEntry, lead *domain.Lead) string {
	log := w.logger.With(zap.Int64("entry_id", entry.ID), zap.Int64("lead_id", lead.ID))

	release, err := w.waitForSlot(ctx)
	if err != nil {
		w.releaseLead(ctx, lead.ID, log)
		w.deps.Metrics.Error(ctx, "dispatcher", err)
		log.Warn("dispatcher: no agent slot", zap.Error(err))
		return outcomeFailed
	}
	defer release()

	phone := domain.E164(lead.DialNumber())
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	callID, err := w.deps.Provider.StartCall(callCtx, phone, w.cfg.AgentID)
	cancel()
	if errors.Is(err, apperrors.ErrPermanentExternal) && w.deps.Rejections != nil {
		return w.reject(ctx, entry, lead, phone, err, log)
	}
	if err != nil {
		w.releaseLead(ctx, lead.ID, log)
		w.deps.Metrics.Error(ctx, "dispatcher", err)
		w.deps.Metrics.Dispatch(ctx, outcomeFailed)
		log.Warn("dispatcher: start call failed", zap.Error(err))
		return outcomeFailed
	}

	record := &domain.CallRecord{
		CallID:       callID,
		LeadID:       lead.ID,
		PhoneCalled:  phone,
		DispatchedAt: w.now(),
		Status:       domain.CallRecordPending,
	}
	storeCtx := context.WithoutCancel(ctx)
	if err := w.deps.Calls.RecordDispatch(storeCtx, record); err != nil {
		w.deps.Metrics.Error(ctx, "dispatcher", err)
		log.Alert("dispatcher: call started but not recorded", zap.String("call_id", callID), zap.Error(err))
		return outcomeFailed
	}
	w.complete(storeCtx, entry, domain.OutcomeDispatched)
	w.deps.Metrics.Dispatch(ctx, domain.OutcomeDispatched)
	log.Info("dispatcher: call started", zap.String("call_id", callID), zap.Int("attempt", entry.AttemptNumber))
	return domain.OutcomeDispatched
}

// reject records a refused start under a synthetic call id and commits it as a wrong
// number, which closes the lead and cancels its schedule.
func (w *Worker) reject(ctx context.Context, entry *domain.ScheduleEntry, lead *domain.Lead, phone string, cause error, log *logger.Logger) string {
	storeCtx := context.WithoutCancel(ctx)
	record := &domain.CallRecord{
		CallID:       "rejected-" + uuid.NewString(),
		LeadID:       lead.ID,
		PhoneCalled:  phone,
		DispatchedAt: w.now(),
		Status:       domain.CallRecordPending,
		Note:         cause.Error(),
	}
	if err := w.deps.Calls.RecordDispatch(storeCtx, record); err != nil {
		w.releaseLead(ctx, lead.ID, log)
		w.deps.Metrics.Error(ctx, "dispatcher", err)
		log.Warn("dispatcher: record refused start failed", zap.NamedError("cause", cause), zap.Error(err))
		return outcomeFailed
	}
	if _, err := w.deps.Rejections.ApplyRejectedStart(storeCtx, record); err != nil {
		// the pending record is left for the enricher
		w.deps.Metrics.Error(ctx, "dispatcher", err)
		log.Alert("dispatcher: refused start not committed", zap.String("call_id", record.CallID), zap.Error(err))
	}
	w.complete(storeCtx, entry, domain.OutcomeRejected)
	w.deps.Metrics.Dispatch(ctx, domain.OutcomeRejected)
	log.Warn("dispatcher: start refused, lead closed as wrong number", zap.String("call_id", record.CallID), zap.Error(cause))
	return domain.OutcomeRejected
}

func (w *Worker) waitForSlot(ctx context.Context) (func(), error) {
	limiter := w.deps.Limiter
	if limiter == nil {
		return func() {}, nil
	}
	for {
		acquired, err := limiter.Acquire(ctx, w.cfg.AgentID)
		if err != nil {
			return nil, err
		}
		if acquired {
			return func() {
				if err := limiter.Release(context.Background(), w.cfg.AgentID); err != nil {
					w.logger.Warn("dispatcher: release slot", zap.Error(err))
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (w *Worker) releaseLead(ctx context.Context, leadID int64, log *logger.Logger) {
	if err := w.deps.Leads.Release(context.WithoutCancel(ctx), []int64{leadID}, w.cfg.Token); err != nil {
		log.Warn("dispatcher: release reservation failed", zap.Error(err))
	}
}

func (w *Worker) complete(ctx context.Context, entry *domain.ScheduleEntry, outcome string) {
	if err := w.deps.Retry.Complete(ctx, entry.ID, outcome); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("dispatcher: complete entry failed", zap.Int64("entry_id", entry.ID), zap.String("outcome", outcome), zap.Error(err))
	}
}
