package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
	"github.com/acme/dental-outreach/internal/scheduler"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
	"github.com/acme/dental-outreach/pkg/logger"
)

// Row is one lead to import.
type Row struct {
	SourceBatch    string
	GivenName      string
	FamilyName     string
	PrimaryPhone   string
	SecondaryPhone string
	ClinicAreaID   string
}

// Rejection explains why a row was not imported. Line is 1-based within the input.
type Rejection struct {
	Line   int
	Phone  string
	Reason string
}

// Report summarises an import run.
type Report struct {
	Imported []int64
	Rejected []Rejection
}

// Service imports leads and queues their first attempt.
type Service struct {
	leads  repository.LeadRepository
	retry  *scheduler.RetryScheduler
	logger *logger.Logger
	now    func() time.Time
}

// NewService constructs an ingest service.
func NewService(leads repository.LeadRepository, retry *scheduler.RetryScheduler, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		leads:  leads,
		retry:  retry,
		logger: log.Named("ingest"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Import validates rows, rejects duplicates by normalised phone within a batch and
// schedules attempt 1 at the first working time from now.
func (s *Service) Import(ctx context.Context, rows []Row) (*Report, error) {
	report := &Report{}
	seen := make(map[string]map[string]bool)
	accepted := make([]*domain.Lead, 0, len(rows))
	lines := make([]int, 0, len(rows))

	for i, row := range rows {
		line := i + 1
		lead, err := toLead(row)
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{Line: line, Phone: row.PrimaryPhone, Reason: err.Error()})
			continue
		}
		batch := seen[lead.SourceBatch]
		if batch == nil {
			batch = make(map[string]bool)
			seen[lead.SourceBatch] = batch
		}
		if batch[lead.PrimaryPhone] {
			report.Rejected = append(report.Rejected, Rejection{Line: line, Phone: row.PrimaryPhone, Reason: "duplicate phone in batch"})
			continue
		}
		batch[lead.PrimaryPhone] = true
		accepted = append(accepted, lead)
		lines = append(lines, line)
	}

	existing := make(map[string]map[string]bool)
	for batch, phones := range seen {
		list := make([]string, 0, len(phones))
		for phone := range phones {
			list = append(list, phone)
		}
		found, err := s.leads.ExistingPhones(ctx, batch, list)
		if err != nil {
			return nil, fmt.Errorf("ingest service: existing phones: %w", err)
		}
		existing[batch] = make(map[string]bool, len(found))
		for _, phone := range found {
			existing[batch][phone] = true
		}
	}

	now := s.now()
	for i, lead := range accepted {
		if existing[lead.SourceBatch][lead.PrimaryPhone] {
			report.Rejected = append(report.Rejected, Rejection{Line: lines[i], Phone: lead.PrimaryPhone, Reason: "phone already imported in batch"})
			continue
		}
		lead.CreatedAt = now
		if err := s.leads.Insert(ctx, lead); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				report.Rejected = append(report.Rejected, Rejection{Line: lines[i], Phone: lead.PrimaryPhone, Reason: "phone already imported in batch"})
				continue
			}
			return report, fmt.Errorf("ingest service: insert line %d: %w", lines[i], err)
		}
		if _, err := s.retry.ScheduleRetry(ctx, lead.ID, now, 1); err != nil {
			return report, fmt.Errorf("ingest service: schedule lead %d: %w", lead.ID, err)
		}
		report.Imported = append(report.Imported, lead.ID)
	}

	s.logger.WithContext(ctx).Info("ingest: import finished",
		zap.Int("rows", len(rows)),
		zap.Int("imported", len(report.Imported)),
		zap.Int("rejected", len(report.Rejected)),
	)
	return report, nil
}

func toLead(row Row) (*domain.Lead, error) {
	batch := strings.TrimSpace(row.SourceBatch)
	if batch == "" {
		return nil, fmt.Errorf("%w: source batch is required", apperrors.ErrValidation)
	}
	given := strings.TrimSpace(row.GivenName)
	family := strings.TrimSpace(row.FamilyName)
	if given == "" && family == "" {
		return nil, fmt.Errorf("%w: name is required", apperrors.ErrValidation)
	}
	primary, err := domain.NormalizePhone(row.PrimaryPhone)
	if err != nil {
		return nil, err
	}
	var secondary string
	if strings.TrimSpace(row.SecondaryPhone) != "" {
		if secondary, err = domain.NormalizePhone(row.SecondaryPhone); err != nil {
			return nil, fmt.Errorf("secondary phone: %w", err)
		}
	}
	return &domain.Lead{
		SourceBatch:    batch,
		GivenName:      given,
		FamilyName:     family,
		PrimaryPhone:   primary,
		SecondaryPhone: secondary,
		ClinicAreaID:   strings.TrimSpace(row.ClinicAreaID),
	}, nil
}
