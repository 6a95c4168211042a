package lead

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/transition"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// ForceClose closes an open lead and cancels its schedule.
func (s *Service) ForceClose(ctx context.Context, leadID int64, reason domain.ClosureReason) (*Result, error) {
	return s.commit(ctx, leadID, "force_close", nil,
		func(lead domain.Lead, cfg domain.SchedulerConfig, _ time.Time) (transition.Outcome, error) {
			return transition.ForceClose(lead, reason, cfg)
		})
}

// Reopen reopens a lead closed as unreachable or uncooperative. Scheduling is left to the operator.
func (s *Service) Reopen(ctx context.Context, leadID int64) (*Result, error) {
	return s.commit(ctx, leadID, "reopen", nil,
		func(lead domain.Lead, _ domain.SchedulerConfig, _ time.Time) (transition.Outcome, error) {
			return transition.Reopen(lead)
		})
}

// ManualAppointment records an appointment arranged outside the voice agent.
func (s *Service) ManualAppointment(ctx context.Context, leadID int64, date time.Time, withPack bool) (*Result, error) {
	return s.commit(ctx, leadID, "manual_appointment", nil,
		func(lead domain.Lead, cfg domain.SchedulerConfig, _ time.Time) (transition.Outcome, error) {
			return transition.ManualAppointment(lead, date, withPack, s.opts.ManualAppointmentEmitsIntent, cfg)
		})
}

// ScheduleCall queues an attempt for an open lead at the first working time on or after at.
func (s *Service) ScheduleCall(ctx context.Context, leadID int64, at time.Time) (*domain.ScheduleEntry, error) {
	lead, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead service: load %d: %w", leadID, err)
	}
	if lead.Closed() {
		return nil, fmt.Errorf("%w: lead %d is closed", apperrors.ErrConflict, leadID)
	}
	if at.IsZero() || at.Before(s.now()) {
		at = s.now()
	}
	return s.retry.ScheduleRetry(ctx, leadID, at, lead.CallAttemptsCount+1)
}

// ReconcileAttempts recomputes the attempt count from enriched call records.
func (s *Service) ReconcileAttempts(ctx context.Context, leadID int64) (before, after int, err error) {
	before, after, err = s.leads.ReconcileAttempts(ctx, leadID)
	if err != nil {
		return 0, 0, fmt.Errorf("lead service: reconcile attempts %d: %w", leadID, err)
	}
	return before, after, nil
}

// Detail is a lead with its call and schedule history.
type Detail struct {
	Lead      *domain.Lead
	Calls     []*domain.CallRecord
	Schedules []*domain.ScheduleEntry
}

// Get loads a lead with its history.
func (s *Service) Get(ctx context.Context, leadID int64) (*Detail, error) {
	lead, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead service: load %d: %w", leadID, err)
	}
	calls, err := s.calls.ListByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead service: calls of %d: %w", leadID, err)
	}
	schedules, err := s.schedules.ListByLead(ctx, leadID)
	if err != nil {
		return nil, fmt.Errorf("lead service: schedules of %d: %w", leadID, err)
	}
	return &Detail{Lead: lead, Calls: calls, Schedules: schedules}, nil
}

// Orphans lists open leads that cannot progress on their own.
func (s *Service) Orphans(ctx context.Context, limit int) ([]domain.OrphanLead, error) {
	orphans, err := s.leads.ListOrphans(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("lead service: orphans: %w", err)
	}
	return orphans, nil
}

// Incidents lists the most recent aborted transitions.
func (s *Service) Incidents(ctx context.Context, limit int) ([]domain.Incident, error) {
	if s.incidents == nil {
		return nil, nil
	}
	incidents, err := s.incidents.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("lead service: incidents: %w", err)
	}
	return incidents, nil
}

// Reports returns the raw platform reports archived for the lead, newest first.
func (s *Service) Reports(ctx context.Context, leadID int64, limit int) ([]domain.CallReport, error) {
	if s.archive == nil {
		return nil, nil
	}
	reports, err := s.archive.ListByLead(ctx, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("lead service: reports of %d: %w", leadID, err)
	}
	return reports, nil
}
