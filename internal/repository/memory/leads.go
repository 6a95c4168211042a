package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// LeadRepository is the in-memory lead table.
type LeadRepository struct {
	s *Store
}

var _ repository.LeadRepository = (*LeadRepository)(nil)

func (r *LeadRepository) Insert(ctx context.Context, lead *domain.Lead) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.leads {
		if existing.SourceBatch == lead.SourceBatch && existing.PrimaryPhone == lead.PrimaryPhone {
			return fmt.Errorf("lead repo: insert: %w", repository.ErrConflict)
		}
	}
	r.s.nextLeadID++
	lead.ID = r.s.nextLeadID
	if lead.Version == 0 {
		lead.Version = 1
	}
	if lead.StatusLevel1 == "" {
		initial := domain.InitialLeadState()
		lead.StatusLevel1, lead.StatusLevel2, lead.LeadStatus = initial.StatusLevel1, initial.StatusLevel2, initial.LeadStatus
	}
	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = lead.CreatedAt
	r.s.leads[lead.ID] = cloneLead(lead)
	return nil
}

func (r *LeadRepository) Get(ctx context.Context, id int64) (*domain.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	lead, ok := r.s.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneLead(lead), nil
}

func (r *LeadRepository) List(ctx context.Context, filter repository.LeadFilter) ([]*domain.Lead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.Lead, 0)
	for _, lead := range r.s.leads {
		if filter.SourceBatch != "" && lead.SourceBatch != filter.SourceBatch {
			continue
		}
		if filter.Status != "" && lead.LeadStatus != filter.Status {
			continue
		}
		if lead.ID <= filter.AfterID {
			continue
		}
		out = append(out, cloneLead(lead))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *LeadRepository) ExistingPhones(ctx context.Context, sourceBatch string, phones []string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	wanted := make(map[string]bool, len(phones))
	for _, p := range phones {
		wanted[p] = true
	}
	var found []string
	for _, lead := range r.s.leads {
		if lead.SourceBatch == sourceBatch && wanted[lead.PrimaryPhone] {
			found = append(found, lead.PrimaryPhone)
		}
	}
	sort.Strings(found)
	return found, nil
}

func (r *LeadRepository) TryReserve(ctx context.Context, ids []int64, token string, now time.Time) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	reserved := make([]int64, 0, len(ids))
	for _, id := range ids {
		lead, ok := r.s.leads[id]
		if !ok || lead.SelectedForCalling || lead.Closed() {
			continue
		}
		at := now
		lead.SelectedForCalling = true
		lead.ReservedBy = token
		lead.ReservedAt = &at
		reserved = append(reserved, id)
	}
	return reserved, nil
}

func (r *LeadRepository) Release(ctx context.Context, ids []int64, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, id := range ids {
		if lead, ok := r.s.leads[id]; ok && lead.ReservedBy == token {
			r.s.clearReservationLocked(id)
		}
	}
	return nil
}

func (r *LeadRepository) ApplyTransition(ctx context.Context, commit repository.TransitionCommit) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	lead, ok := r.s.leads[commit.LeadID]
	if !ok {
		return repository.ErrNotFound
	}
	if lead.Version != commit.ExpectedVersion {
		return fmt.Errorf("lead repo: apply transition %d: %w", commit.LeadID, repository.ErrStaleVersion)
	}
	var call *domain.CallRecord
	if commit.EnrichedCall != nil {
		call, ok = r.s.calls[commit.EnrichedCall.CallID]
		if !ok {
			return fmt.Errorf("lead repo: apply transition: call %s: %w", commit.EnrichedCall.CallID, repository.ErrNotFound)
		}
		if call.Status != domain.CallRecordPending {
			return fmt.Errorf("lead repo: apply transition: call %s: %w", call.CallID, repository.ErrCallNotPending)
		}
	}
	if commit.BookingIntent != nil {
		if _, exists := r.s.intents[commit.BookingIntent.ID]; exists {
			return fmt.Errorf("lead repo: apply transition: booking intent: %w", repository.ErrConflict)
		}
	}

	now := commit.Now
	lead.LeadState = commit.State
	lead.EarliestDate = cloneTime(commit.State.EarliestDate)
	lead.Version++
	lead.UpdatedAt = now
	r.s.clearReservationLocked(lead.ID)

	if commit.CancelSchedules {
		r.s.cancelPendingLocked(lead.ID, now)
	}
	if commit.Schedule != nil {
		r.s.cancelPendingLocked(lead.ID, now)
		commit.Schedule.LeadID = lead.ID
		r.s.insertEntryLocked(commit.Schedule, now)
	}
	if commit.BookingIntent != nil {
		intent := *commit.BookingIntent
		r.s.intents[intent.ID] = &intent
	}
	if call != nil {
		enriched := commit.EnrichedCall
		call.DurationSeconds = enriched.DurationSeconds
		call.RawOutcome = enriched.RawOutcome
		call.CollectedInfo = enriched.CollectedInfo
		call.RecordingURL = enriched.RecordingURL
		call.Status = domain.CallRecordEnriched
		at := now
		call.EnrichedAt = &at
	}
	return nil
}

func (r *LeadRepository) ReconcileAttempts(ctx context.Context, id int64) (int, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	lead, ok := r.s.leads[id]
	if !ok {
		return 0, 0, repository.ErrNotFound
	}
	count := 0
	for _, call := range r.s.calls {
		if call.LeadID == id && (call.Status == domain.CallRecordEnriched || call.Status == domain.CallRecordInvalidCallID) {
			count++
		}
	}
	before := lead.CallAttemptsCount
	if before != count {
		lead.CallAttemptsCount = count
		lead.Version++
		lead.UpdatedAt = time.Now().UTC()
	}
	return before, count, nil
}

func (r *LeadRepository) ReleaseStale(ctx context.Context, cutoff time.Time) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pending := map[int64]bool{}
	for _, call := range r.s.calls {
		if call.Status == domain.CallRecordPending {
			pending[call.LeadID] = true
		}
	}

	var released []int64
	for id, lead := range r.s.leads {
		if !lead.SelectedForCalling || pending[id] {
			continue
		}
		last := lead.ReservedAt
		if last == nil {
			last = lead.LastCallAttempt
		}
		if last != nil && !last.Before(cutoff) {
			continue
		}
		r.s.clearReservationLocked(id)
		released = append(released, id)
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released, nil
}

func (r *LeadRepository) ListOrphans(ctx context.Context, limit int) ([]domain.OrphanLead, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	scheduled := map[int64]bool{}
	for _, e := range r.s.entries {
		if e.Status == domain.SchedulePending || e.Status == domain.ScheduleInFlight {
			scheduled[e.LeadID] = true
		}
	}
	latest := map[int64]*domain.CallRecord{}
	for _, call := range r.s.calls {
		if cur, ok := latest[call.LeadID]; !ok || call.DispatchedAt.After(cur.DispatchedAt) {
			latest[call.LeadID] = call
		}
	}

	out := make([]domain.OrphanLead, 0)
	for id, lead := range r.s.leads {
		call, ok := latest[id]
		if lead.Closed() || scheduled[id] || !ok || call.Status != domain.CallRecordInvalidCallID {
			continue
		}
		out = append(out, domain.OrphanLead{
			LeadID:       id,
			PrimaryPhone: lead.PrimaryPhone,
			SourceBatch:  lead.SourceBatch,
			CallID:       call.CallID,
			DispatchedAt: call.DispatchedAt,
			Note:         call.Note,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeadID < out[j].LeadID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
