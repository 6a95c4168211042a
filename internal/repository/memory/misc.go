package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// SettingsRepository is the in-memory scheduler_config table.
type SettingsRepository struct {
	s *Store
}

var _ repository.SettingsRepository = (*SettingsRepository)(nil)

func (r *SettingsRepository) Load(ctx context.Context) (map[string]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make(map[string]string, len(r.s.settings))
	for k, v := range r.s.settings {
		out[k] = v
	}
	return out, nil
}

func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settings[key] = value
	return nil
}

// IncidentRepository is the in-memory incident table.
type IncidentRepository struct {
	s *Store
}

var _ repository.IncidentRepository = (*IncidentRepository)(nil)

func (r *IncidentRepository) Record(ctx context.Context, incident domain.Incident) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.incidents = append(r.s.incidents, incident)
	return nil
}

// List returns incidents newest first.
func (r *IncidentRepository) List(ctx context.Context, limit int) ([]domain.Incident, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]domain.Incident, 0, len(r.s.incidents))
	for i := len(r.s.incidents) - 1; i >= 0; i-- {
		out = append(out, r.s.incidents[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// BookingIntentRepository is the in-memory booking_intent outbox.
type BookingIntentRepository struct {
	s *Store
}

var _ repository.BookingIntentRepository = (*BookingIntentRepository)(nil)

func (r *BookingIntentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.BookingIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	intent, ok := r.s.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *intent
	return &c, nil
}

func (r *BookingIntentRepository) ListPending(ctx context.Context, limit int) ([]*domain.BookingIntent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.BookingIntent, 0)
	for _, intent := range r.s.intents {
		if intent.Status == domain.BookingIntentPending {
			c := *intent
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BookingIntentRepository) MarkPublished(ctx context.Context, id uuid.UUID, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	intent, ok := r.s.intents[id]
	if !ok {
		return repository.ErrNotFound
	}
	if intent.Status != domain.BookingIntentPending {
		return nil
	}
	at := now
	intent.Status = domain.BookingIntentPublished
	intent.PublishedAt = &at
	intent.UpdatedAt = now
	return nil
}

func (r *BookingIntentRepository) MarkResult(ctx context.Context, id uuid.UUID, status domain.BookingIntentStatus, reservationID, lastError string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	intent, ok := r.s.intents[id]
	if !ok {
		return repository.ErrNotFound
	}
	intent.Status = status
	intent.ReservationID = reservationID
	intent.LastError = lastError
	intent.UpdatedAt = now
	return nil
}

// ReportArchive keeps raw platform reports in memory.
type ReportArchive struct {
	s *Store
}

var _ repository.ReportArchive = (*ReportArchive)(nil)

func (r *ReportArchive) Append(ctx context.Context, leadID int64, report domain.CallReport, receivedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.reports[leadID] = append(r.s.reports[leadID], report)
	return nil
}

// ListByLead returns the newest reports first.
func (r *ReportArchive) ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallReport, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	reports := r.s.reports[leadID]
	out := make([]domain.CallReport, 0, len(reports))
	for i := len(reports) - 1; i >= 0; i-- {
		out = append(out, reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
