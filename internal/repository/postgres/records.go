package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/acme/dental-outreach/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// limitArg maps a non-positive limit to NULL, which postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

const leadColumns = `id, source_batch, given_name, family_name, primary_phone, secondary_phone, clinic_area_id,
	status_level_1, status_level_2, lead_status, closure_reason, call_attempts_count, platform_failure_count,
	earliest_date, preferred_time_of_day, selected_for_calling, reserved_by, reserved_at, last_call_attempt,
	version, created_at, updated_at`

type leadRecord struct {
	ID                   int64        `db:"id"`
	SourceBatch          string       `db:"source_batch"`
	GivenName            string       `db:"given_name"`
	FamilyName           string       `db:"family_name"`
	PrimaryPhone         string       `db:"primary_phone"`
	SecondaryPhone       string       `db:"secondary_phone"`
	ClinicAreaID         string       `db:"clinic_area_id"`
	StatusLevel1         string       `db:"status_level_1"`
	StatusLevel2         string       `db:"status_level_2"`
	LeadStatus           string       `db:"lead_status"`
	ClosureReason        string       `db:"closure_reason"`
	CallAttemptsCount    int          `db:"call_attempts_count"`
	PlatformFailureCount int          `db:"platform_failure_count"`
	EarliestDate         sql.NullTime `db:"earliest_date"`
	PreferredTimeOfDay   string       `db:"preferred_time_of_day"`
	SelectedForCalling   bool         `db:"selected_for_calling"`
	ReservedBy           string       `db:"reserved_by"`
	ReservedAt           sql.NullTime `db:"reserved_at"`
	LastCallAttempt      sql.NullTime `db:"last_call_attempt"`
	Version              int64        `db:"version"`
	CreatedAt            time.Time    `db:"created_at"`
	UpdatedAt            time.Time    `db:"updated_at"`
}

func (r leadRecord) toDomain() *domain.Lead {
	return &domain.Lead{
		LeadState: domain.LeadState{
			StatusLevel1:         domain.StatusLevel1(r.StatusLevel1),
			StatusLevel2:         domain.StatusLevel2(r.StatusLevel2),
			LeadStatus:           domain.LeadStatus(r.LeadStatus),
			ClosureReason:        domain.ClosureReason(r.ClosureReason),
			CallAttemptsCount:    r.CallAttemptsCount,
			PlatformFailureCount: r.PlatformFailureCount,
			EarliestDate:         timePtr(r.EarliestDate),
			PreferredTimeOfDay:   domain.TimeOfDay(r.PreferredTimeOfDay),
		},
		ID:                 r.ID,
		SourceBatch:        r.SourceBatch,
		GivenName:          r.GivenName,
		FamilyName:         r.FamilyName,
		PrimaryPhone:       r.PrimaryPhone,
		SecondaryPhone:     r.SecondaryPhone,
		ClinicAreaID:       r.ClinicAreaID,
		SelectedForCalling: r.SelectedForCalling,
		ReservedBy:         r.ReservedBy,
		ReservedAt:         timePtr(r.ReservedAt),
		LastCallAttempt:    timePtr(r.LastCallAttempt),
		Version:            r.Version,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

const callColumns = `call_id, lead_id, phone_called, dispatched_at, duration_seconds, raw_outcome,
	collected_info, recording_url, status, note, enriched_at`

type callRecord struct {
	CallID          string        `db:"call_id"`
	LeadID          int64         `db:"lead_id"`
	PhoneCalled     string        `db:"phone_called"`
	DispatchedAt    time.Time     `db:"dispatched_at"`
	DurationSeconds sql.NullInt64 `db:"duration_seconds"`
	RawOutcome      sql.NullInt64 `db:"raw_outcome"`
	CollectedInfo   []byte        `db:"collected_info"`
	RecordingURL    string        `db:"recording_url"`
	Status          string        `db:"status"`
	Note            string        `db:"note"`
	EnrichedAt      sql.NullTime  `db:"enriched_at"`
}

func (r callRecord) toDomain() (*domain.CallRecord, error) {
	call := &domain.CallRecord{
		CallID:          r.CallID,
		LeadID:          r.LeadID,
		PhoneCalled:     r.PhoneCalled,
		DispatchedAt:    r.DispatchedAt,
		DurationSeconds: intPtr(r.DurationSeconds),
		RawOutcome:      intPtr(r.RawOutcome),
		RecordingURL:    r.RecordingURL,
		Status:          domain.CallRecordStatus(r.Status),
		Note:            r.Note,
		EnrichedAt:      timePtr(r.EnrichedAt),
	}
	if len(r.CollectedInfo) > 0 {
		if err := json.Unmarshal(r.CollectedInfo, &call.CollectedInfo); err != nil {
			return nil, fmt.Errorf("decode collected_info of %s: %w", r.CallID, err)
		}
	}
	return call, nil
}

// encodeInfo renders collected info as JSON text, or NULL when empty.
func encodeInfo(info map[string]any) (sql.NullString, error) {
	if len(info) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

const entryColumns = `id, lead_id, scheduled_at, attempt_number, status, last_outcome, claimed_at, created_at, updated_at`

type entryRecord struct {
	ID            int64        `db:"id"`
	LeadID        int64        `db:"lead_id"`
	ScheduledAt   time.Time    `db:"scheduled_at"`
	AttemptNumber int          `db:"attempt_number"`
	Status        string       `db:"status"`
	LastOutcome   string       `db:"last_outcome"`
	ClaimedAt     sql.NullTime `db:"claimed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r entryRecord) toDomain() *domain.ScheduleEntry {
	return &domain.ScheduleEntry{
		ID:            r.ID,
		LeadID:        r.LeadID,
		ScheduledAt:   r.ScheduledAt,
		AttemptNumber: r.AttemptNumber,
		Status:        domain.ScheduleStatus(r.Status),
		LastOutcome:   r.LastOutcome,
		ClaimedAt:     timePtr(r.ClaimedAt),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func toEntries(records []entryRecord) []*domain.ScheduleEntry {
	out := make([]*domain.ScheduleEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out
}

const intentColumns = `id, lead_id, payload, status, reservation_id, last_error, created_at, updated_at, published_at`

type intentRecord struct {
	ID            string       `db:"id"`
	LeadID        int64        `db:"lead_id"`
	Payload       []byte       `db:"payload"`
	Status        string       `db:"status"`
	ReservationID string       `db:"reservation_id"`
	LastError     string       `db:"last_error"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	PublishedAt   sql.NullTime `db:"published_at"`
}

func (r intentRecord) toDomain() (*domain.BookingIntent, error) {
	id, err := parseUUID(r.ID)
	if err != nil {
		return nil, err
	}
	intent := &domain.BookingIntent{
		ID:            id,
		LeadID:        r.LeadID,
		Status:        domain.BookingIntentStatus(r.Status),
		ReservationID: r.ReservationID,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		PublishedAt:   timePtr(r.PublishedAt),
	}
	if err := json.Unmarshal(r.Payload, &intent.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of intent %s: %w", r.ID, err)
	}
	return intent, nil
}

func parseUUID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: %w", raw, err)
	}
	return id, nil
}
