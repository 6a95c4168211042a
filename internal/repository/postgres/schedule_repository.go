package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// ScheduleRepository implements repository.ScheduleRepository using PostgreSQL.
// The partial unique index on schedule_entry(lead_id) keeps one pending entry per lead.
type ScheduleRepository struct {
	db *sqlx.DB
}

var _ repository.ScheduleRepository = (*ScheduleRepository)(nil)

// NewScheduleRepository constructs a new repository.
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Schedule replaces the lead's pending entry with entry.
func (r *ScheduleRepository) Schedule(ctx context.Context, entry *domain.ScheduleEntry) error {
	now := time.Now().UTC()
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := cancelPending(ctx, tx, entry.LeadID, now); err != nil {
			return fmt.Errorf("schedule repo: schedule: %w", err)
		}
		if err := insertEntry(ctx, tx, entry, now); err != nil {
			if pgCode(err) == foreignKeyViolation {
				return fmt.Errorf("schedule repo: schedule: lead %d: %w", entry.LeadID, repository.ErrNotFound)
			}
			return fmt.Errorf("schedule repo: schedule: %w", err)
		}
		return nil
	})
}

// CancelPending cancels the lead's pending entries.
func (r *ScheduleRepository) CancelPending(ctx context.Context, leadID int64, now time.Time) (int, error) {
	n, err := cancelPending(ctx, r.db, leadID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("schedule repo: %w", err)
	}
	return n, nil
}

// ClaimDue moves up to limit due entries to in_flight. FOR UPDATE SKIP LOCKED keeps
// concurrent dispatchers from claiming the same entry.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.ScheduleEntry, error) {
	q := `UPDATE schedule_entry SET status = 'in_flight', claimed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM schedule_entry
			 WHERE status = 'pending' AND scheduled_at <= $1
			 ORDER BY scheduled_at, id
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	var records []entryRecord
	if err := r.db.SelectContext(ctx, &records, q, now.UTC(), limitArg(limit)); err != nil {
		return nil, fmt.Errorf("schedule repo: claim due: %w", err)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].ScheduledAt.Equal(records[j].ScheduledAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].ScheduledAt.Before(records[j].ScheduledAt)
	})
	return toEntries(records), nil
}

// Complete closes a claimed entry with its outcome.
func (r *ScheduleRepository) Complete(ctx context.Context, entryID int64, outcome string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE schedule_entry SET status = 'completed', last_outcome = $2, updated_at = $3
		WHERE id = $1 AND status IN ('in_flight', 'pending')`, entryID, outcome, now.UTC())
	if err != nil {
		return fmt.Errorf("schedule repo: complete %d: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("schedule repo: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM schedule_entry WHERE id = $1`, entryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("schedule repo: complete %d: %w", entryID, err)
	}
	return fmt.Errorf("schedule repo: complete %d in status %s: %w", entryID, status, repository.ErrConflict)
}

// ListByLead returns every entry of the lead in creation order.
func (r *ScheduleRepository) ListByLead(ctx context.Context, leadID int64) ([]*domain.ScheduleEntry, error) {
	var records []entryRecord
	if err := r.db.SelectContext(ctx, &records, `SELECT `+entryColumns+` FROM schedule_entry WHERE lead_id = $1 ORDER BY id`, leadID); err != nil {
		return nil, fmt.Errorf("schedule repo: list by lead: %w", err)
	}
	return toEntries(records), nil
}

// RequeueStale returns in_flight entries claimed before cutoff to pending. An entry whose
// lead already has a pending entry is cancelled instead.
func (r *ScheduleRepository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, int, error) {
	var requeued, cancelled int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schedule_entry s SET status = 'cancelled', claimed_at = NULL, updated_at = $2
			WHERE s.status = 'in_flight' AND s.claimed_at < $1
			  AND EXISTS (SELECT 1 FROM schedule_entry p WHERE p.lead_id = s.lead_id AND p.status = 'pending')`,
			cutoff.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("schedule repo: requeue stale: cancel shadowed: %w", err)
		}
		shadowed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("schedule repo: rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `UPDATE schedule_entry SET status = 'pending', claimed_at = NULL, updated_at = $2
			WHERE id IN (
				SELECT DISTINCT ON (lead_id) id FROM schedule_entry
				 WHERE status = 'in_flight' AND claimed_at < $1
				 ORDER BY lead_id, id
			)`, cutoff.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("schedule repo: requeue stale: %w", err)
		}
		back, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("schedule repo: rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `UPDATE schedule_entry SET status = 'cancelled', claimed_at = NULL, updated_at = $2
			WHERE status = 'in_flight' AND claimed_at < $1`, cutoff.UTC(), now.UTC())
		if err != nil {
			return fmt.Errorf("schedule repo: requeue stale: cancel duplicates: %w", err)
		}
		duplicates, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("schedule repo: rows affected: %w", err)
		}

		requeued = int(back)
		cancelled = int(shadowed + duplicates)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, cancelled, nil
}

// CancelForClosedLeads cancels pending entries left behind on closed leads.
func (r *ScheduleRepository) CancelForClosedLeads(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE schedule_entry s SET status = 'cancelled', updated_at = $1
		FROM lead l
		WHERE l.id = s.lead_id AND s.status = 'pending' AND l.lead_status = 'closed'`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("schedule repo: cancel for closed leads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("schedule repo: rows affected: %w", err)
	}
	return int(n), nil
}

func cancelPending(ctx context.Context, exec sqlx.ExecerContext, leadID int64, now time.Time) (int, error) {
	res, err := exec.ExecContext(ctx, `UPDATE schedule_entry SET status = 'cancelled', updated_at = $2
		WHERE lead_id = $1 AND status = 'pending'`, leadID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel pending of lead %d: %w", leadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cancel pending: rows affected: %w", err)
	}
	return int(n), nil
}

// insertEntry stores entry as pending and fills in its id and timestamps.
func insertEntry(ctx context.Context, tx *sqlx.Tx, entry *domain.ScheduleEntry, now time.Time) error {
	err := tx.GetContext(ctx, &entry.ID, `INSERT INTO schedule_entry (lead_id, scheduled_at, attempt_number, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
		RETURNING id`, entry.LeadID, entry.ScheduledAt.UTC(), entry.AttemptNumber, now)
	if err != nil {
		return fmt.Errorf("insert schedule entry of lead %d: %w", entry.LeadID, err)
	}
	entry.Status = domain.SchedulePending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	return nil
}
