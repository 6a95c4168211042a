package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// LeadRepository implements repository.LeadRepository using PostgreSQL.
type LeadRepository struct {
	db *sqlx.DB
}

var _ repository.LeadRepository = (*LeadRepository)(nil)

// NewLeadRepository constructs a new repository.
func NewLeadRepository(db *sqlx.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Insert stores a freshly imported lead and assigns its id.
func (r *LeadRepository) Insert(ctx context.Context, lead *domain.Lead) error {
	if lead.StatusLevel1 == "" {
		initial := domain.InitialLeadState()
		lead.StatusLevel1, lead.StatusLevel2, lead.LeadStatus = initial.StatusLevel1, initial.StatusLevel2, initial.LeadStatus
	}
	if lead.Version == 0 {
		lead.Version = 1
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	lead.UpdatedAt = lead.CreatedAt

	q := `INSERT INTO lead (
		source_batch, given_name, family_name, primary_phone, secondary_phone, clinic_area_id,
		status_level_1, status_level_2, lead_status, closure_reason, call_attempts_count,
		platform_failure_count, earliest_date, preferred_time_of_day, version, created_at, updated_at
	) VALUES (
		:source_batch, :given_name, :family_name, :primary_phone, :secondary_phone, :clinic_area_id,
		:status_level_1, :status_level_2, :lead_status, :closure_reason, :call_attempts_count,
		:platform_failure_count, :earliest_date, :preferred_time_of_day, :version, :created_at, :updated_at
	) RETURNING id`

	params := map[string]any{
		"source_batch":           lead.SourceBatch,
		"given_name":             lead.GivenName,
		"family_name":            lead.FamilyName,
		"primary_phone":          lead.PrimaryPhone,
		"secondary_phone":        lead.SecondaryPhone,
		"clinic_area_id":         lead.ClinicAreaID,
		"status_level_1":         string(lead.StatusLevel1),
		"status_level_2":         string(lead.StatusLevel2),
		"lead_status":            string(lead.LeadStatus),
		"closure_reason":         string(lead.ClosureReason),
		"call_attempts_count":    lead.CallAttemptsCount,
		"platform_failure_count": lead.PlatformFailureCount,
		"earliest_date":          nullTime(lead.EarliestDate),
		"preferred_time_of_day":  string(lead.PreferredTimeOfDay),
		"version":                lead.Version,
		"created_at":             lead.CreatedAt,
		"updated_at":             lead.UpdatedAt,
	}

	query, args, err := sqlx.Named(q, params)
	if err != nil {
		return fmt.Errorf("lead repo: insert: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, r.db.Rebind(query), args...).Scan(&lead.ID); err != nil {
		if pgCode(err) == uniqueViolation {
			return fmt.Errorf("lead repo: insert: %w", repository.ErrConflict)
		}
		return fmt.Errorf("lead repo: insert: %w", err)
	}
	return nil
}

// Get fetches a lead by id.
func (r *LeadRepository) Get(ctx context.Context, id int64) (*domain.Lead, error) {
	var record leadRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+leadColumns+` FROM lead WHERE id = $1`, id).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("lead repo: get: %w", err)
	}
	return record.toDomain(), nil
}

// List pages through leads in id order.
func (r *LeadRepository) List(ctx context.Context, filter repository.LeadFilter) ([]*domain.Lead, error) {
	conds := []string{"id > $1"}
	args := []any{filter.AfterID}
	if filter.SourceBatch != "" {
		args = append(args, filter.SourceBatch)
		conds = append(conds, fmt.Sprintf("source_batch = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("lead_status = $%d", len(args)))
	}
	args = append(args, limitArg(filter.Limit))
	q := fmt.Sprintf(`SELECT %s FROM lead WHERE %s ORDER BY id LIMIT $%d`, leadColumns, strings.Join(conds, " AND "), len(args))

	var records []leadRecord
	if err := r.db.SelectContext(ctx, &records, q, args...); err != nil {
		return nil, fmt.Errorf("lead repo: list: %w", err)
	}
	out := make([]*domain.Lead, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

// ExistingPhones returns which of phones are already stored for the batch.
func (r *LeadRepository) ExistingPhones(ctx context.Context, sourceBatch string, phones []string) ([]string, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT primary_phone FROM lead WHERE source_batch = ? AND primary_phone IN (?) ORDER BY primary_phone`, sourceBatch, phones)
	if err != nil {
		return nil, fmt.Errorf("lead repo: existing phones: %w", err)
	}
	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("lead repo: existing phones: %w", err)
	}
	return found, nil
}

// TryReserve flips selected_for_calling on the open, unreserved leads among ids and
// returns the ones this token now holds.
func (r *LeadRepository) TryReserve(ctx context.Context, ids []int64, token string, now time.Time) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	q, args, err := sqlx.In(`UPDATE lead
		SET selected_for_calling = TRUE, reserved_by = ?, reserved_at = ?
		WHERE id IN (?) AND NOT selected_for_calling AND lead_status = 'open'
		RETURNING id`, token, now.UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("lead repo: try reserve: %w", err)
	}
	reserved := make([]int64, 0, len(ids))
	if err := r.db.SelectContext(ctx, &reserved, r.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("lead repo: try reserve: %w", err)
	}
	sort.Slice(reserved, func(i, j int) bool { return reserved[i] < reserved[j] })
	return reserved, nil
}

// Release clears reservations held by token.
func (r *LeadRepository) Release(ctx context.Context, ids []int64, token string) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE lead
		SET selected_for_calling = FALSE, reserved_by = '', reserved_at = NULL
		WHERE id IN (?) AND reserved_by = ?`, ids, token)
	if err != nil {
		return fmt.Errorf("lead repo: release: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("lead repo: release: %w", err)
	}
	return nil
}

// ApplyTransition writes the new lead state and its side effects in one transaction,
// guarded by the expected version.
func (r *LeadRepository) ApplyTransition(ctx context.Context, commit repository.TransitionCommit) error {
	now := commit.Now.UTC()
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		state := commit.State
		res, err := tx.ExecContext(ctx, `UPDATE lead SET
			status_level_1 = $1, status_level_2 = $2, lead_status = $3, closure_reason = $4,
			call_attempts_count = $5, platform_failure_count = $6, earliest_date = $7,
			preferred_time_of_day = $8, selected_for_calling = FALSE, reserved_by = '', reserved_at = NULL,
			version = version + 1, updated_at = $9
		 WHERE id = $10 AND version = $11`,
			string(state.StatusLevel1), string(state.StatusLevel2), string(state.LeadStatus), string(state.ClosureReason),
			state.CallAttemptsCount, state.PlatformFailureCount, nullTime(state.EarliestDate),
			string(state.PreferredTimeOfDay), now, commit.LeadID, commit.ExpectedVersion,
		)
		if err != nil {
			return fmt.Errorf("lead repo: apply transition %d: %w", commit.LeadID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lead repo: rows affected: %w", err)
		}
		if n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM lead WHERE id = $1)`, commit.LeadID); err != nil {
				return fmt.Errorf("lead repo: apply transition %d: %w", commit.LeadID, err)
			}
			if !exists {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lead repo: apply transition %d: %w", commit.LeadID, repository.ErrStaleVersion)
		}

		if commit.CancelSchedules || commit.Schedule != nil {
			if _, err := cancelPending(ctx, tx, commit.LeadID, now); err != nil {
				return fmt.Errorf("lead repo: apply transition: %w", err)
			}
		}
		if commit.Schedule != nil {
			commit.Schedule.LeadID = commit.LeadID
			if err := insertEntry(ctx, tx, commit.Schedule, now); err != nil {
				return fmt.Errorf("lead repo: apply transition: %w", err)
			}
		}
		if commit.BookingIntent != nil {
			if err := insertIntent(ctx, tx, commit.BookingIntent); err != nil {
				return fmt.Errorf("lead repo: apply transition: %w", err)
			}
		}
		if commit.EnrichedCall != nil {
			if err := markEnriched(ctx, tx, commit.EnrichedCall, now); err != nil {
				return fmt.Errorf("lead repo: apply transition: %w", err)
			}
		}
		return nil
	})
}

// ReconcileAttempts resets call_attempts_count to the number of enriched call records.
func (r *LeadRepository) ReconcileAttempts(ctx context.Context, id int64) (int, int, error) {
	var before, after int
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &before, `SELECT call_attempts_count FROM lead WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("lead repo: reconcile attempts: %w", err)
		}
		if err := tx.GetContext(ctx, &after, `SELECT count(*) FROM call_record WHERE lead_id = $1 AND status IN ('enriched', 'invalid_call_id')`, id); err != nil {
			return fmt.Errorf("lead repo: reconcile attempts: count: %w", err)
		}
		if before == after {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE lead SET call_attempts_count = $1, version = version + 1, updated_at = now() WHERE id = $2`, after, id); err != nil {
			return fmt.Errorf("lead repo: reconcile attempts: update: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return before, after, nil
}

// ReleaseStale clears reservations older than cutoff whose lead has no pending call record.
func (r *LeadRepository) ReleaseStale(ctx context.Context, cutoff time.Time) ([]int64, error) {
	q := `UPDATE lead l
		SET selected_for_calling = FALSE, reserved_by = '', reserved_at = NULL
		WHERE l.selected_for_calling
		  AND (COALESCE(l.reserved_at, l.last_call_attempt) IS NULL OR COALESCE(l.reserved_at, l.last_call_attempt) < $1)
		  AND NOT EXISTS (SELECT 1 FROM call_record c WHERE c.lead_id = l.id AND c.status = 'pending')
		RETURNING l.id`

	released := []int64{}
	if err := r.db.SelectContext(ctx, &released, q, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("lead repo: release stale: %w", err)
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released, nil
}

type orphanRecord struct {
	LeadID       int64     `db:"lead_id"`
	PrimaryPhone string    `db:"primary_phone"`
	SourceBatch  string    `db:"source_batch"`
	CallID       string    `db:"call_id"`
	DispatchedAt time.Time `db:"dispatched_at"`
	Note         string    `db:"note"`
}

// ListOrphans returns open leads whose latest call was rejected and that have nothing scheduled.
func (r *LeadRepository) ListOrphans(ctx context.Context, limit int) ([]domain.OrphanLead, error) {
	q := `SELECT l.id AS lead_id, l.primary_phone, l.source_batch, c.call_id, c.dispatched_at, c.note
		FROM lead l
		JOIN LATERAL (
			SELECT call_id, dispatched_at, status, note FROM call_record
			 WHERE lead_id = l.id ORDER BY dispatched_at DESC LIMIT 1
		) c ON TRUE
		WHERE l.lead_status = 'open'
		  AND c.status = 'invalid_call_id'
		  AND NOT EXISTS (
			SELECT 1 FROM schedule_entry s WHERE s.lead_id = l.id AND s.status IN ('pending', 'in_flight')
		  )
		ORDER BY l.id
		LIMIT $1`

	var records []orphanRecord
	if err := r.db.SelectContext(ctx, &records, q, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("lead repo: list orphans: %w", err)
	}
	out := make([]domain.OrphanLead, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.OrphanLead(rec))
	}
	return out, nil
}
