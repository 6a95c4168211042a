package lead

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/outcome"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/scheduler"
	"github.com/acme/dental-outreach/internal/telemetry"
	"github.com/acme/dental-outreach/internal/transition"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

// DefaultStaleRetries is how many times a stale commit is retried against the reloaded lead.
const DefaultStaleRetries = 3

// Dependencies are the stores and collaborators the service is built from.
type Dependencies struct {
	Leads     repository.LeadRepository
	Calls     repository.CallRecordRepository
	Schedules repository.ScheduleRepository
	Incidents repository.IncidentRepository
	// Archive is optional.
	Archive repository.ReportArchive
	Retry   *scheduler.RetryScheduler
	Policy  scheduler.PolicySource
	Logger  *logger.Logger
	Metrics *telemetry.Metrics
}

// Options tune the service.
type Options struct {
	ManualAppointmentEmitsIntent bool
	StaleRetries                 int
}

// Service is the only path through which lead state changes.
type Service struct {
	leads     repository.LeadRepository
	calls     repository.CallRecordRepository
	schedules repository.ScheduleRepository
	incidents repository.IncidentRepository
	archive   repository.ReportArchive
	retry     *scheduler.RetryScheduler
	policy    scheduler.PolicySource
	logger    *logger.Logger
	metrics   *telemetry.Metrics
	opts      Options
	now       func() time.Time
}

// NewService constructs the lead service.
func NewService(deps Dependencies, opts Options) *Service {
	if opts.StaleRetries <= 0 {
		opts.StaleRetries = DefaultStaleRetries
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		leads:     deps.Leads,
		calls:     deps.Calls,
		schedules: deps.Schedules,
		incidents: deps.Incidents,
		archive:   deps.Archive,
		retry:     deps.Retry,
		policy:    deps.Policy,
		logger:    log.Named("lead-service"),
		metrics:   deps.Metrics,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Result describes a committed transition.
type Result struct {
	Lead          *domain.Lead
	Effects       []domain.Effect
	Schedule      *domain.ScheduleEntry
	BookingIntent *domain.BookingIntent
	// Duplicate is set when the call report had already been applied; nothing was written.
	Duplicate bool
	// Counted is set when the lead was already closed and only the attempt was recorded.
	Counted bool
}

type transitionFunc func(lead domain.Lead, cfg domain.SchedulerConfig, now time.Time) (transition.Outcome, error)

// ApplyReport classifies a closed platform report for a pending call record and commits the transition.
func (s *Service) ApplyReport(ctx context.Context, record *domain.CallRecord, report domain.CallReport) (*Result, error) {
	if record.Status != domain.CallRecordPending {
		return &Result{Duplicate: true}, nil
	}

	result := outcome.ClassifyReport(report)
	enriched := *record
	duration := report.DurationSeconds
	code := report.OutcomeCode
	enriched.DurationSeconds = &duration
	enriched.RawOutcome = &code
	enriched.CollectedInfo = report.CollectedInfo
	enriched.RecordingURL = report.RecordingURL

	res, err := s.commit(ctx, record.LeadID, string(result.Kind()), &enriched,
		func(lead domain.Lead, cfg domain.SchedulerConfig, now time.Time) (transition.Outcome, error) {
			return transition.Apply(lead, result, now, cfg)
		})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}

	if s.archive != nil {
		if err := s.archive.Append(ctx, record.LeadID, report, s.now()); err != nil {
			s.metrics.Error(ctx, "archive", err)
			s.logger.Warn("lead service: archive report failed", zap.String("call_id", record.CallID), zap.Error(err))
		}
	}
	return res, nil
}

// ApplyRejectedStart commits a wrong number for a call the platform refused to start.
// record is the pending call record written for the refused request.
func (s *Service) ApplyRejectedStart(ctx context.Context, record *domain.CallRecord) (*Result, error) {
	if record.Status != domain.CallRecordPending {
		return &Result{Duplicate: true}, nil
	}
	result := domain.WrongNumber{}
	return s.commit(ctx, record.LeadID, string(result.Kind()), record,
		func(lead domain.Lead, cfg domain.SchedulerConfig, now time.Time) (transition.Outcome, error) {
			return transition.Apply(lead, result, now, cfg)
		})
}

// commit runs fn against the latest lead and writes the outcome in one store transaction,
// retrying on stale versions.
func (s *Service) commit(ctx context.Context, leadID int64, label string, enriched *domain.CallRecord, fn transitionFunc) (*Result, error) {
	log := s.logger.WithContext(ctx).With(zap.Int64("lead_id", leadID), zap.String("transition", label))

	var lastErr error
	for attempt := 0; attempt <= s.opts.StaleRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err := s.leads.Get(ctx, leadID)
		if err != nil {
			return nil, fmt.Errorf("lead service: load %d: %w", leadID, err)
		}

		now := s.now()
		out, err := fn(*current, s.policy.Current(), now)
		if err != nil {
			if errors.Is(err, apperrors.ErrInvariantViolation) {
				s.recordIncident(ctx, leadID, domain.IncidentInvariantViolation, err)
				log.Alert("lead service: transition rejected", zap.Error(err))
			}
			s.metrics.Error(ctx, "lead-service", err)
			return nil, err
		}

		commit := s.buildCommit(current, out, enriched, now)
		err = s.leads.ApplyTransition(ctx, commit)
		switch {
		case err == nil:
			s.metrics.Transition(ctx, label)
			log.Info("lead service: transition committed",
				zap.String("status_level_1", string(out.State.StatusLevel1)),
				zap.String("status_level_2", string(out.State.StatusLevel2)),
				zap.String("lead_status", string(out.State.LeadStatus)),
				zap.Int("call_attempts", out.State.CallAttemptsCount),
				zap.Bool("counted_only", out.Counted),
			)
			updated := *current
			updated.LeadState = out.State
			updated.Version = current.Version + 1
			updated.SelectedForCalling, updated.ReservedBy, updated.ReservedAt = false, "", nil
			return &Result{
				Lead:          &updated,
				Effects:       out.Effects,
				Schedule:      commit.Schedule,
				BookingIntent: commit.BookingIntent,
				Counted:       out.Counted,
			}, nil
		case errors.Is(err, repository.ErrCallNotPending):
			log.Info("lead service: call report already applied", zap.String("call_id", enriched.CallID))
			return &Result{Duplicate: true}, nil
		case errors.Is(err, apperrors.ErrStaleVersion):
			lastErr = err
			s.metrics.Error(ctx, "lead-service", err)
			log.Debug("lead service: stale version, retrying", zap.Int("attempt", attempt+1))
			continue
		default:
			s.metrics.Error(ctx, "lead-service", err)
			return nil, fmt.Errorf("lead service: commit %d: %w", leadID, err)
		}
	}

	s.recordIncident(ctx, leadID, domain.IncidentStaleExhausted, lastErr)
	log.Warn("lead service: giving up after stale retries", zap.Int("retries", s.opts.StaleRetries))
	return nil, fmt.Errorf("lead service: commit %d after %d retries: %w", leadID, s.opts.StaleRetries, apperrors.ErrStaleVersion)
}

func (s *Service) buildCommit(lead *domain.Lead, out transition.Outcome, enriched *domain.CallRecord, now time.Time) repository.TransitionCommit {
	commit := repository.TransitionCommit{
		LeadID:          lead.ID,
		ExpectedVersion: lead.Version,
		State:           out.State,
		EnrichedCall:    enriched,
		Now:             now,
	}
	for _, effect := range out.Effects {
		switch e := effect.(type) {
		case domain.ScheduleRetry:
			commit.Schedule = s.retry.Plan(lead.ID, e.NotBefore, e.AttemptNumber)
		case domain.CancelSchedules:
			commit.CancelSchedules = true
		case domain.EmitBookingIntent:
			intent := domain.NewBookingIntent(e.Payload, now)
			commit.BookingIntent = &intent
		}
	}
	return commit
}

func (s *Service) recordIncident(ctx context.Context, leadID int64, kind domain.IncidentKind, cause error) {
	if s.incidents == nil {
		return
	}
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := s.incidents.Record(ctx, domain.NewIncident(leadID, kind, detail, s.now())); err != nil {
		s.logger.Error("lead service: record incident failed", zap.Int64("lead_id", leadID), zap.Error(err))
	}
}
