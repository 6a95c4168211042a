package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// CallRecordRepository is the in-memory call_record table.
type CallRecordRepository struct {
	s *Store
}

var _ repository.CallRecordRepository = (*CallRecordRepository)(nil)

func (r *CallRecordRepository) RecordDispatch(ctx context.Context, record *domain.CallRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.calls[record.CallID]; exists {
		return fmt.Errorf("call repo: record dispatch %s: %w", record.CallID, repository.ErrConflict)
	}
	lead, ok := r.s.leads[record.LeadID]
	if !ok {
		return fmt.Errorf("call repo: record dispatch: lead %d: %w", record.LeadID, repository.ErrNotFound)
	}
	stored := cloneCall(record)
	stored.Status = domain.CallRecordPending
	r.s.calls[record.CallID] = stored

	at := record.DispatchedAt
	lead.LastCallAttempt = &at
	return nil
}

func (r *CallRecordRepository) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	call, ok := r.s.calls[callID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCall(call), nil
}

func (r *CallRecordRepository) ListPending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*domain.CallRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.CallRecord, 0)
	for _, call := range r.s.calls {
		if call.Status == domain.CallRecordPending && !call.DispatchedAt.After(dispatchedBefore) {
			out = append(out, cloneCall(call))
		}
	}
	sortCalls(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CallRecordRepository) ListByLead(ctx context.Context, leadID int64) ([]*domain.CallRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.CallRecord, 0)
	for _, call := range r.s.calls {
		if call.LeadID == leadID {
			out = append(out, cloneCall(call))
		}
	}
	sortCalls(out)
	return out, nil
}

func (r *CallRecordRepository) MarkInvalid(ctx context.Context, callID, note string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	call, ok := r.s.calls[callID]
	if !ok {
		return repository.ErrNotFound
	}
	if call.Status != domain.CallRecordPending {
		return fmt.Errorf("call repo: mark invalid %s: %w", callID, repository.ErrCallNotPending)
	}
	call.Status = domain.CallRecordInvalidCallID
	call.Note = note
	if lead, ok := r.s.leads[call.LeadID]; ok {
		lead.CallAttemptsCount++
		lead.Version++
		lead.UpdatedAt = now
	}
	r.s.clearReservationLocked(call.LeadID)
	return nil
}

func sortCalls(calls []*domain.CallRecord) {
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].DispatchedAt.Equal(calls[j].DispatchedAt) {
			return calls[i].CallID < calls[j].CallID
		}
		return calls[i].DispatchedAt.Before(calls[j].DispatchedAt)
	})
}
