package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/pkg/logger"
)

// Locker grants a cluster-wide lock so only one process reconciles at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// ReconcilerConfig tunes the repair job.
type ReconcilerConfig struct {
	InFlightTTL    time.Duration
	ReservationTTL time.Duration
	LockKey        string
	LockTTL        time.Duration
}

// ReconcileReport summarises one repair run.
type ReconcileReport struct {
	Requeued        int
	CancelledStale  int
	CancelledClosed int
	ReleasedLeads   []int64
	Skipped         bool
}

// Reconciler requeues stuck in-flight entries, cancels entries of closed leads
// and clears reservations abandoned by crashed workers.
type Reconciler struct {
	schedules repository.ScheduleRepository
	leads     repository.LeadRepository
	lock      Locker
	cfg       ReconcilerConfig
	logger    *logger.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewReconciler constructs the job. lock may be nil for single-process deployments.
func NewReconciler(schedules repository.ScheduleRepository, leads repository.LeadRepository, lock Locker, cfg ReconcilerConfig, log *logger.Logger, metrics *telemetry.Metrics) *Reconciler {
	if cfg.InFlightTTL <= 0 {
		cfg.InFlightTTL = 10 * time.Minute
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "outreach:reconcile:lock"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		schedules: schedules,
		leads:     leads,
		lock:      lock,
		cfg:       cfg,
		logger:    log.Named("reconciler"),
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the job every interval until cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.metrics.Error(ctx, "reconciler", err)
			r.logger.Error("reconciler: run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single repair pass.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	tracer := otel.Tracer("outreach.scheduler")
	ctx, span := tracer.Start(ctx, "reconciler.run")
	defer span.End()

	if r.lock != nil {
		unlock, ok, err := r.lock.TryLock(ctx, r.cfg.LockKey, r.cfg.LockTTL)
		if err != nil {
			span.RecordError(err)
			return report, fmt.Errorf("reconciler: lock: %w", err)
		}
		if !ok {
			r.logger.Info("reconciler: another process holds the lock, skipping")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("reconciler: unlock failed", zap.Error(err))
			}
		}()
	}

	now := r.now()
	requeued, cancelled, err := r.schedules.RequeueStale(ctx, now.Add(-r.cfg.InFlightTTL), now)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("reconciler: requeue stale: %w", err)
	}
	report.Requeued, report.CancelledStale = requeued, cancelled

	closed, err := r.schedules.CancelForClosedLeads(ctx, now)
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("reconciler: cancel closed: %w", err)
	}
	report.CancelledClosed = closed

	released, err := r.leads.ReleaseStale(ctx, now.Add(-r.cfg.ReservationTTL))
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("reconciler: release stale reservations: %w", err)
	}
	report.ReleasedLeads = released

	span.SetAttributes(
		attribute.Int("entries.requeued", report.Requeued),
		attribute.Int("entries.cancelled_stale", report.CancelledStale),
		attribute.Int("entries.cancelled_closed", report.CancelledClosed),
		attribute.Int("leads.released", len(report.ReleasedLeads)),
	)
	r.logger.Info("reconciler: run complete",
		zap.Int("requeued", report.Requeued),
		zap.Int("cancelled_stale", report.CancelledStale),
		zap.Int("cancelled_closed", report.CancelledClosed),
		zap.Int64s("released_leads", report.ReleasedLeads),
	)
	return report, nil
}
