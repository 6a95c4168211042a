// Package memory implements every repository in-process for tests and local development.
// All repositories returned by one Store share a single lock, so multi-table commits are atomic.
package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/dental-outreach/internal/domain"
)

// Store holds the in-memory tables.
type Store struct {
	mu sync.Mutex

	nextLeadID  int64
	nextEntryID int64

	leads     map[int64]*domain.Lead
	calls     map[string]*domain.CallRecord
	entries   map[int64]*domain.ScheduleEntry
	settings  map[string]string
	incidents []domain.Incident
	intents   map[uuid.UUID]*domain.BookingIntent
	reports   map[int64][]domain.CallReport
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		leads:    map[int64]*domain.Lead{},
		calls:    map[string]*domain.CallRecord{},
		entries:  map[int64]*domain.ScheduleEntry{},
		settings: map[string]string{},
		intents:  map[uuid.UUID]*domain.BookingIntent{},
		reports:  map[int64][]domain.CallReport{},
	}
}

func (s *Store) Leads() *LeadRepository                   { return &LeadRepository{s: s} }
func (s *Store) Calls() *CallRecordRepository             { return &CallRecordRepository{s: s} }
func (s *Store) Schedules() *ScheduleRepository           { return &ScheduleRepository{s: s} }
func (s *Store) Settings() *SettingsRepository            { return &SettingsRepository{s: s} }
func (s *Store) Incidents() *IncidentRepository           { return &IncidentRepository{s: s} }
func (s *Store) BookingIntents() *BookingIntentRepository { return &BookingIntentRepository{s: s} }
func (s *Store) Reports() *ReportArchive                  { return &ReportArchive{s: s} }

// cancelPendingLocked cancels the lead's pending entries. Caller holds s.mu.
func (s *Store) cancelPendingLocked(leadID int64, now time.Time) int {
	n := 0
	for _, e := range s.entries {
		if e.LeadID == leadID && e.Status == domain.SchedulePending {
			e.Status = domain.ScheduleCancelled
			e.UpdatedAt = now
			n++
		}
	}
	return n
}

func (s *Store) insertEntryLocked(entry *domain.ScheduleEntry, now time.Time) {
	s.nextEntryID++
	entry.ID = s.nextEntryID
	entry.Status = domain.SchedulePending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	stored := *entry
	s.entries[entry.ID] = &stored
}

func (s *Store) clearReservationLocked(leadID int64) {
	if lead, ok := s.leads[leadID]; ok {
		lead.SelectedForCalling = false
		lead.ReservedBy = ""
		lead.ReservedAt = nil
	}
}

func cloneLead(l *domain.Lead) *domain.Lead {
	c := *l
	c.EarliestDate = cloneTime(l.EarliestDate)
	c.ReservedAt = cloneTime(l.ReservedAt)
	c.LastCallAttempt = cloneTime(l.LastCallAttempt)
	return &c
}

func cloneCall(r *domain.CallRecord) *domain.CallRecord {
	c := *r
	if r.CollectedInfo != nil {
		c.CollectedInfo = make(map[string]any, len(r.CollectedInfo))
		for k, v := range r.CollectedInfo {
			c.CollectedInfo[k] = v
		}
	}
	c.EnrichedAt = cloneTime(r.EnrichedAt)
	return &c
}

func cloneEntry(e *domain.ScheduleEntry) *domain.ScheduleEntry {
	c := *e
	c.ClaimedAt = cloneTime(e.ClaimedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
