package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// PolicySource yields the active retry policy.
type PolicySource interface {
	Current() domain.SchedulerConfig
}

// RetryScheduler owns the queue of future call attempts.
type RetryScheduler struct {
	repo     repository.ScheduleRepository
	policy   PolicySource
	location *time.Location
	now      func() time.Time
}

// NewRetryScheduler constructs the scheduler. loc is the zone the working window is evaluated in.
func NewRetryScheduler(repo repository.ScheduleRepository, policy PolicySource, loc *time.Location) *RetryScheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &RetryScheduler{repo: repo, policy: policy, location: loc, now: func() time.Time { return time.Now().UTC() }}
}

// Window returns the working window of the active policy.
func (s *RetryScheduler) Window() Window {
	return NewWindow(s.policy.Current(), s.location)
}

// Plan builds a pending entry clamped into the working window without storing it.
func (s *RetryScheduler) Plan(leadID int64, notBefore time.Time, attempt int) *domain.ScheduleEntry {
	return &domain.ScheduleEntry{
		LeadID:        leadID,
		ScheduledAt:   s.Window().Clamp(notBefore).UTC(),
		AttemptNumber: attempt,
		Status:        domain.SchedulePending,
	}
}

// ScheduleRetry replaces any pending entry of the lead with one at the clamped time.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, leadID int64, notBefore time.Time, attempt int) (*domain.ScheduleEntry, error) {
	entry := s.Plan(leadID, notBefore, attempt)
	if err := s.repo.Schedule(ctx, entry); err != nil {
		return nil, fmt.Errorf("retry scheduler: schedule lead %d: %w", leadID, err)
	}
	return entry, nil
}

// CancelAll cancels every pending entry of the lead.
func (s *RetryScheduler) CancelAll(ctx context.Context, leadID int64) (int, error) {
	n, err := s.repo.CancelPending(ctx, leadID, s.now())
	if err != nil {
		return 0, fmt.Errorf("retry scheduler: cancel lead %d: %w", leadID, err)
	}
	return n, nil
}

// ClaimDue marks up to limit due entries in flight, oldest first.
func (s *RetryScheduler) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.ScheduleEntry, error) {
	entries, err := s.repo.ClaimDue(ctx, limit, now)
	if err != nil {
		return nil, fmt.Errorf("retry scheduler: claim due: %w", err)
	}
	return entries, nil
}

// Complete closes an entry with its outcome.
func (s *RetryScheduler) Complete(ctx context.Context, entryID int64, outcome string) error {
	if err := s.repo.Complete(ctx, entryID, outcome, s.now()); err != nil {
		return fmt.Errorf("retry scheduler: complete entry %d: %w", entryID, err)
	}
	return nil
}
