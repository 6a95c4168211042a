package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// BookingIntentRepository is the booking_intent outbox.
type BookingIntentRepository struct {
	db *sqlx.DB
}

var _ repository.BookingIntentRepository = (*BookingIntentRepository)(nil)

// NewBookingIntentRepository constructs a new repository.
func NewBookingIntentRepository(db *sqlx.DB) *BookingIntentRepository {
	return &BookingIntentRepository{db: db}
}

func (r *BookingIntentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.BookingIntent, error) {
	var record intentRecord
	err := r.db.QueryRowxContext(ctx, `SELECT `+intentColumns+` FROM booking_intent WHERE id = $1`, id.String()).StructScan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("intent repo: get: %w", err)
	}
	return record.toDomain()
}

// ListPending returns unpublished intents in creation order.
func (r *BookingIntentRepository) ListPending(ctx context.Context, limit int) ([]*domain.BookingIntent, error) {
	var records []intentRecord
	q := `SELECT ` + intentColumns + ` FROM booking_intent WHERE status = 'pending' ORDER BY created_at LIMIT $1`
	if err := r.db.SelectContext(ctx, &records, q, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("intent repo: list pending: %w", err)
	}
	out := make([]*domain.BookingIntent, 0, len(records))
	for _, rec := range records {
		intent, err := rec.toDomain()
		if err != nil {
			return nil, fmt.Errorf("intent repo: list pending: %w", err)
		}
		out = append(out, intent)
	}
	return out, nil
}

// MarkPublished moves a pending intent to published. Intents past pending are left alone.
func (r *BookingIntentRepository) MarkPublished(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE booking_intent SET status = 'published', published_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id.String(), now.UTC())
	if err != nil {
		return fmt.Errorf("intent repo: mark published: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intent repo: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM booking_intent WHERE id = $1)`, id.String()); err != nil {
		return fmt.Errorf("intent repo: mark published: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return nil
}

// MarkResult records what the booking worker did with the intent.
func (r *BookingIntentRepository) MarkResult(ctx context.Context, id uuid.UUID, status domain.BookingIntentStatus, reservationID, lastError string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE booking_intent SET status = $2, reservation_id = $3, last_error = $4, updated_at = $5
		WHERE id = $1`, id.String(), string(status), reservationID, lastError, now.UTC())
	if err != nil {
		return fmt.Errorf("intent repo: mark result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intent repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// insertIntent writes the outbox row inside a lead transition.
func insertIntent(ctx context.Context, tx *sqlx.Tx, intent *domain.BookingIntent) error {
	payload, err := json.Marshal(intent.Payload)
	if err != nil {
		return fmt.Errorf("encode booking intent: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO booking_intent (id, lead_id, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		intent.ID.String(), intent.LeadID, string(payload), string(intent.Status), intent.CreatedAt.UTC(), intent.UpdatedAt.UTC())
	if err != nil {
		if pgCode(err) == uniqueViolation {
			return fmt.Errorf("booking intent %s: %w", intent.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert booking intent: %w", err)
	}
	return nil
}
