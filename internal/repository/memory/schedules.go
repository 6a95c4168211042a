package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// ScheduleRepository is the in-memory schedule_entry table.
type ScheduleRepository struct {
	s *Store
}

var _ repository.ScheduleRepository = (*ScheduleRepository)(nil)

func (r *ScheduleRepository) Schedule(ctx context.Context, entry *domain.ScheduleEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.leads[entry.LeadID]; !ok {
		return fmt.Errorf("schedule repo: schedule: lead %d: %w", entry.LeadID, repository.ErrNotFound)
	}
	now := time.Now().UTC()
	r.s.cancelPendingLocked(entry.LeadID, now)
	r.s.insertEntryLocked(entry, now)
	return nil
}

func (r *ScheduleRepository) CancelPending(ctx context.Context, leadID int64, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.cancelPendingLocked(leadID, now), nil
}

func (r *ScheduleRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.ScheduleEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	due := make([]*domain.ScheduleEntry, 0)
	for _, e := range r.s.entries {
		if e.Status == domain.SchedulePending && !e.ScheduledAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.ScheduleEntry, 0, len(due))
	for _, e := range due {
		at := now
		e.Status = domain.ScheduleInFlight
		e.ClaimedAt = &at
		e.UpdatedAt = now
		claimed = append(claimed, cloneEntry(e))
	}
	return claimed, nil
}

func (r *ScheduleRepository) Complete(ctx context.Context, entryID int64, outcome string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.entries[entryID]
	if !ok {
		return repository.ErrNotFound
	}
	if e.Status != domain.ScheduleInFlight && e.Status != domain.SchedulePending {
		return fmt.Errorf("schedule repo: complete %d in status %s: %w", entryID, e.Status, repository.ErrConflict)
	}
	e.Status = domain.ScheduleCompleted
	e.LastOutcome = outcome
	e.UpdatedAt = now
	return nil
}

func (r *ScheduleRepository) ListByLead(ctx context.Context, leadID int64) ([]*domain.ScheduleEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.ScheduleEntry, 0)
	for _, e := range r.s.entries {
		if e.LeadID == leadID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ScheduleRepository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pending := map[int64]bool{}
	for _, e := range r.s.entries {
		if e.Status == domain.SchedulePending {
			pending[e.LeadID] = true
		}
	}

	stale := make([]*domain.ScheduleEntry, 0)
	for _, e := range r.s.entries {
		if e.Status == domain.ScheduleInFlight && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	requeued, cancelled := 0, 0
	for _, e := range stale {
		e.UpdatedAt = now
		e.ClaimedAt = nil
		if pending[e.LeadID] {
			e.Status = domain.ScheduleCancelled
			cancelled++
			continue
		}
		e.Status = domain.SchedulePending
		pending[e.LeadID] = true
		requeued++
	}
	return requeued, cancelled, nil
}

func (r *ScheduleRepository) CancelForClosedLeads(ctx context.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, e := range r.s.entries {
		lead, ok := r.s.leads[e.LeadID]
		if e.Status == domain.SchedulePending && ok && lead.Closed() {
			e.Status = domain.ScheduleCancelled
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
