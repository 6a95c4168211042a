package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// CallRecordRepository implements repository.CallRecordRepository using PostgreSQL.
type CallRecordRepository struct {
	db *sqlx.DB
}

var _ repository.CallRecordRepository = (*CallRecordRepository)(nil)

// NewCallRecordRepository constructs a new repository.
func NewCallRecordRepository(db *sqlx.DB) *CallRecordRepository {
	return &CallRecordRepository{db: db}
}

// RecordDispatch inserts a pending record and stamps the lead's last call attempt.
func (r *CallRecordRepository) RecordDispatch(ctx context.Context, record *domain.CallRecord) error {
	info, err := encodeInfo(record.CollectedInfo)
	if err != nil {
		return fmt.Errorf("call repo: record dispatch %s: %w", record.CallID, err)
	}
	dispatchedAt := record.DispatchedAt.UTC()

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE lead SET last_call_attempt = $1 WHERE id = $2`, dispatchedAt, record.LeadID)
		if err != nil {
			return fmt.Errorf("call repo: record dispatch: stamp lead: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("call repo: rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("call repo: record dispatch: lead %d: %w", record.LeadID, repository.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO call_record (
			call_id, lead_id, phone_called, dispatched_at, duration_seconds, raw_outcome,
			collected_info, recording_url, status, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9)`,
			record.CallID, record.LeadID, record.PhoneCalled, dispatchedAt,
			nullInt(record.DurationSeconds), nullInt(record.RawOutcome), info, record.RecordingURL, record.Note,
		)
		if err != nil {
			if pgCode(err) == uniqueViolation {
				return fmt.Errorf("call repo: record dispatch %s: %w", record.CallID, repository.ErrConflict)
			}
			return fmt.Errorf("call repo: record dispatch %s: %w", record.CallID, err)
		}
		return nil
	})
}

// Get fetches a call record by platform call id.
func (r *CallRecordRepository) Get(ctx context.Context, callID string) (*domain.CallRecord, error) {
	var record callRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+callColumns+` FROM call_record WHERE call_id = $1`, callID).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("call repo: get: %w", err)
	}
	return record.toDomain()
}

// ListPending returns pending records dispatched at or before the cutoff, oldest first.
func (r *CallRecordRepository) ListPending(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*domain.CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM call_record
		WHERE status = 'pending' AND dispatched_at <= $1
		ORDER BY dispatched_at, call_id
		LIMIT $2`
	return r.list(ctx, "list pending", q, dispatchedBefore.UTC(), limitArg(limit))
}

// ListByLead returns every call record of the lead, oldest first.
func (r *CallRecordRepository) ListByLead(ctx context.Context, leadID int64) ([]*domain.CallRecord, error) {
	q := `SELECT ` + callColumns + ` FROM call_record WHERE lead_id = $1 ORDER BY dispatched_at, call_id`
	return r.list(ctx, "list by lead", q, leadID)
}

func (r *CallRecordRepository) list(ctx context.Context, op, q string, args ...any) ([]*domain.CallRecord, error) {
	var records []callRecord
	if err := r.db.SelectContext(ctx, &records, q, args...); err != nil {
		return nil, fmt.Errorf("call repo: %s: %w", op, err)
	}
	out := make([]*domain.CallRecord, 0, len(records))
	for _, rec := range records {
		call, err := rec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("call repo: %s: %w", op, err)
		}
		out = append(out, call)
	}
	return out, nil
}

// MarkInvalid flags a pending record rejected by the platform and frees the lead reservation.
func (r *CallRecordRepository) MarkInvalid(ctx context.Context, callID, note string, now time.Time) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var leadID int64
		err := tx.GetContext(ctx, &leadID, `UPDATE call_record SET status = 'invalid_call_id', note = $2
			WHERE call_id = $1 AND status = 'pending'
			RETURNING lead_id`, callID, note)
		if errors.Is(err, sql.ErrNoRows) {
			return notPending(ctx, tx, callID, "mark invalid")
		}
		if err != nil {
			return fmt.Errorf("call repo: mark invalid %s: %w", callID, err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE lead
			SET selected_for_calling = FALSE, reserved_by = '', reserved_at = NULL,
			    call_attempts_count = call_attempts_count + 1, version = version + 1, updated_at = $2
			WHERE id = $1`, leadID, now.UTC()); err != nil {
			return fmt.Errorf("call repo: mark invalid: release lead %d: %w", leadID, err)
		}
		return nil
	})
}

// markEnriched stores the platform report on a pending call record inside a transition.
func markEnriched(ctx context.Context, tx *sqlx.Tx, call *domain.CallRecord, now time.Time) error {
	info, err := encodeInfo(call.CollectedInfo)
	if err != nil {
		return fmt.Errorf("enrich call %s: %w", call.CallID, err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE call_record SET
		duration_seconds = $2, raw_outcome = $3, collected_info = $4, recording_url = $5,
		status = 'enriched', enriched_at = $6
		WHERE call_id = $1 AND status = 'pending'`,
		call.CallID, nullInt(call.DurationSeconds), nullInt(call.RawOutcome), info, call.RecordingURL, now,
	)
	if err != nil {
		return fmt.Errorf("enrich call %s: %w", call.CallID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enrich call %s: rows affected: %w", call.CallID, err)
	}
	if n == 0 {
		return notPending(ctx, tx, call.CallID, "enrich call")
	}
	return nil
}

// notPending tells a missing call record apart from one that already left pending.
func notPending(ctx context.Context, tx *sqlx.Tx, callID, op string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM call_record WHERE call_id = $1)`, callID); err != nil {
		return fmt.Errorf("call repo: %s %s: %w", op, callID, err)
	}
	if !exists {
		return fmt.Errorf("call repo: %s %s: %w", op, callID, repository.ErrNotFound)
	}
	return fmt.Errorf("call repo: %s %s: %w", op, callID, repository.ErrCallNotPending)
}
