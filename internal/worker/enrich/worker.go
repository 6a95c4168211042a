// Package enrich polls the call platform for finished calls and feeds their reports to the lead service.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/service/lead"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/internal/telephony"
	"github.com/acme/dental-outreach/pkg/logger"
)

// Poll outcomes, also used as metric labels.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid_call_id"
	OutcomeOpen      = "still_open"
	OutcomeDeferred  = "deferred"
	OutcomeFailed    = "failed"
)

// ReportApplier commits a call report. Implemented by *lead.Service.
type ReportApplier interface {
	ApplyReport(ctx context.Context, record *domain.CallRecord, report domain.CallReport) (*lead.Result, error)
}

// Config tunes the poller.
type Config struct {
	QuietPeriod  time.Duration
	BatchSize    int
	PoolSize     int
	TickInterval time.Duration
	PollTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxRetries   int
}

// Report summarises one polling pass.
type Report struct {
	Polled   int
	Outcomes map[string]int
}

// Worker polls pending call records.
type Worker struct {
	calls    repository.CallRecordRepository
	provider telephony.Provider
	applier  ReportApplier
	cfg      Config
	logger   *logger.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// New constructs the poller.
func New(calls repository.CallRecordRepository, provider telephony.Provider, applier ReportApplier, cfg Config, log *logger.Logger, metrics *telemetry.Metrics) *Worker {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 35 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		calls:    calls,
		provider: provider,
		applier:  applier,
		cfg:      cfg,
		logger:   log.Named("enricher"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls every tick until cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.metrics.Error(ctx, "enricher", err)
			w.logger.Error("enricher: pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce polls pending records dispatched more than the quiet period ago.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Outcomes: make(map[string]int)}
	tracer := otel.Tracer("outreach.enricher")
	ctx, span := tracer.Start(ctx, "enrich.batch")
	defer span.End()

	records, err := w.calls.ListPending(ctx, w.now().Add(-w.cfg.QuietPeriod), w.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("enricher: list pending: %w", err)
	}
	report.Polled = len(records)
	if len(records) == 0 {
		return report, nil
	}

	outcomes := make(chan string, len(records))
	p := pool.New().WithMaxGoroutines(w.cfg.PoolSize)
	for _, record := range records {
		record := record
		p.Go(func() {
			outcomes <- w.enrich(ctx, record)
		})
	}
	p.Wait()
	close(outcomes)
	for outcome := range outcomes {
		report.Outcomes[outcome]++
	}

	span.SetAttributes(attribute.Int("polled", report.Polled))
	w.logger.Info("enricher: batch done",
		zap.Int("polled", report.Polled),
		zap.Int(OutcomeApplied, report.Outcomes[OutcomeApplied]),
		zap.Int(OutcomeInvalid, report.Outcomes[OutcomeInvalid]),
		zap.Int(OutcomeOpen, report.Outcomes[OutcomeOpen]),
		zap.Int(OutcomeDeferred, report.Outcomes[OutcomeDeferred]),
	)
	return report, nil
}

func (w *Worker) enrich(ctx context.Context, record *domain.CallRecord) string {
	log := w.logger.With(zap.String("call_id", record.CallID), zap.Int64("lead_id", record.LeadID))
	outcome := w.process(ctx, record, log)
	w.metrics.Enrichment(ctx, outcome)
	return outcome
}

func (w *Worker) process(ctx context.Context, record *domain.CallRecord, log *logger.Logger) string {
	callReport, err := w.poll(ctx, record.CallID)
	switch {
	case errors.Is(err, telephony.ErrRejectedCallID):
		note := fmt.Sprintf("call platform rejected call id %s polled %s after dispatch", record.CallID, w.now().Sub(record.DispatchedAt).Round(time.Second))
		if err := w.calls.MarkInvalid(context.WithoutCancel(ctx), record.CallID, note, w.now()); err != nil {
			w.metrics.Error(ctx, "enricher", err)
			log.Warn("enricher: mark invalid failed", zap.Error(err))
			return OutcomeFailed
		}
		log.Warn("enricher: call id rejected")
		return OutcomeInvalid
	case err != nil:
		w.metrics.Error(ctx, "enricher", err)
		log.Warn("enricher: poll deferred to next pass", zap.Error(err))
		return OutcomeDeferred
	case !callReport.Closed():
		return OutcomeOpen
	}

	res, err := w.applier.ApplyReport(ctx, record, callReport)
	if err != nil {
		log.Warn("enricher: apply report failed", zap.Error(err))
		return OutcomeFailed
	}
	if res.Duplicate {
		return OutcomeDuplicate
	}
	return OutcomeApplied
}

// poll fetches the report, retrying transient errors with exponential backoff.
func (w *Worker) poll(ctx context.Context, callID string) (domain.CallReport, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.BackoffBase
	exp.MaxInterval = w.cfg.BackoffMax
	exp.MaxElapsedTime = 0
	var policy backoff.BackOff = exp
	if w.cfg.MaxRetries >= 0 {
		policy = backoff.WithMaxRetries(exp, uint64(w.cfg.MaxRetries))
	}

	return backoff.RetryWithData(func() (domain.CallReport, error) {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
		defer cancel()
		callReport, err := w.provider.GetCall(callCtx, callID)
		if err == nil {
			return callReport, nil
		}
		if errors.Is(err, telephony.ErrRejectedCallID) || ctx.Err() != nil {
			return domain.CallReport{}, backoff.Permanent(err)
		}
		return domain.CallReport{}, err
	}, backoff.WithContext(policy, ctx))
}
