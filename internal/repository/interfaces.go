package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/acme/dental-outreach/internal/domain"
	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrStaleVersion indicates the lead changed since it was read.
	ErrStaleVersion = apperrors.ErrStaleVersion
	// ErrCallNotPending indicates the call record was already enriched or rejected.
	ErrCallNotPending = errors.New("call record is not pending")
)

// TransitionCommit is everything written atomically when a lead changes state.
type TransitionCommit struct {
	LeadID          int64
	ExpectedVersion int64
	State           domain.LeadState
	CancelSchedules bool
	// Schedule, when set, replaces any pending entry of the lead. ScheduledAt is already clamped.
	Schedule      *domain.ScheduleEntry
	BookingIntent *domain.BookingIntent
	// EnrichedCall, when set, must still be pending and is marked enriched in the same transaction.
	EnrichedCall *domain.CallRecord
	Now          time.Time
}

// LeadFilter narrows lead listings.
type LeadFilter struct {
	SourceBatch string
	Status      domain.LeadStatus
	AfterID     int64
	Limit       int
}

// LeadRepository is the store of record for leads. State changes only go through ApplyTransition.
type LeadRepository interface {
	Insert(ctx context.Context, lead *domain.Lead) error
	Get(ctx context.Context, id int64) (*domain.Lead, error)
	List(ctx context.Context, filter LeadFilter) ([]*domain.Lead, error)
	ExistingPhones(ctx context.Context, sourceBatch string, phones []string) ([]string, error)
	TryReserve(ctx context.Context, ids []int64, token string, now time.Time) ([]int64, error)
	Release(ctx context.Context, ids []int64, token string) error
	ApplyTransition(ctx context.Context, commit TransitionCommit) error
	ReconcileAttempts(ctx context.Context, id int64) (before, after int, err error)
	ReleaseStale(ctx context.Context, cutoff time.Time) ([]int64, error)
	ListOrphans(ctx context.Context, limit int) ([]domain.OrphanLead, error)
}

// CallRecordRepository persists dispatched calls.
type CallRecordRepository interface {
	// RecordDispatch inserts a pending record and stamps the lead's last call attempt.
	RecordDispatch(ctx context.Context, record *domain.CallRecord) error
	Get(ctx context.Context, callID string) (*domain.CallRecord, error)
	ListPending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*domain.CallRecord, error)
	ListByLead(ctx context.Context, leadID int64) ([]*domain.CallRecord, error)
	// MarkInvalid flags a pending record rejected by the platform and frees the lead reservation.
	MarkInvalid(ctx context.Context, callID, note string, now time.Time) error
}

// ScheduleRepository owns schedule entries. At most one entry per lead is pending.
type ScheduleRepository interface {
	Schedule(ctx context.Context, entry *domain.ScheduleEntry) error
	CancelPending(ctx context.Context, leadID int64, now time.Time) (int, error)
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.ScheduleEntry, error)
	Complete(ctx context.Context, entryID int64, outcome string, now time.Time) error
	ListByLead(ctx context.Context, leadID int64) ([]*domain.ScheduleEntry, error)
	RequeueStale(ctx context.Context, cutoff, now time.Time) (requeued, cancelled int, err error)
	CancelForClosedLeads(ctx context.Context, now time.Time) (int, error)
}

// SettingsRepository reads the scheduler_config key/value table.
type SettingsRepository interface {
	Load(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// IncidentRepository stores aborted transitions for operators.
type IncidentRepository interface {
	Record(ctx context.Context, incident domain.Incident) error
	List(ctx context.Context, limit int) ([]domain.Incident, error)
}

// BookingIntentRepository is the outbox of booking intents.
type BookingIntentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.BookingIntent, error)
	ListPending(ctx context.Context, limit int) ([]*domain.BookingIntent, error)
	MarkPublished(ctx context.Context, id uuid.UUID, now time.Time) error
	MarkResult(ctx context.Context, id uuid.UUID, status domain.BookingIntentStatus, reservationID, lastError string, now time.Time) error
}

// ReportArchive keeps the raw platform reports, append-only.
type ReportArchive interface {
	Append(ctx context.Context, leadID int64, report domain.CallReport, receivedAt time.Time) error
	ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallReport, error)
}
