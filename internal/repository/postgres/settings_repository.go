package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

// SettingsRepository reads and writes the scheduler_config key/value table.
type SettingsRepository struct {
	db *sqlx.DB
}

var _ repository.SettingsRepository = (*SettingsRepository)(nil)

// NewSettingsRepository constructs a new repository.
func NewSettingsRepository(db *sqlx.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

type settingRecord struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

func (r *SettingsRepository) Load(ctx context.Context) (map[string]string, error) {
	var records []settingRecord
	if err := r.db.SelectContext(ctx, &records, `SELECT key, value FROM scheduler_config`); err != nil {
		return nil, fmt.Errorf("settings repo: load: %w", err)
	}
	out := make(map[string]string, len(records))
	for _, rec := range records {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

func (r *SettingsRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO scheduler_config (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settings repo: set %s: %w", key, err)
	}
	return nil
}

// IncidentRepository implements repository.IncidentRepository using PostgreSQL.
type IncidentRepository struct {
	db *sqlx.DB
}

var _ repository.IncidentRepository = (*IncidentRepository)(nil)

// NewIncidentRepository constructs a new repository.
func NewIncidentRepository(db *sqlx.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

type incidentRecord struct {
	ID        string    `db:"id"`
	LeadID    int64     `db:"lead_id"`
	Kind      string    `db:"kind"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *IncidentRepository) Record(ctx context.Context, incident domain.Incident) error {
	q := `INSERT INTO incident (id, lead_id, kind, detail, created_at)
		VALUES (:id, :lead_id, :kind, :detail, :created_at)`

	params := map[string]any{
		"id":         incident.ID.String(),
		"lead_id":    incident.LeadID,
		"kind":       string(incident.Kind),
		"detail":     incident.Detail,
		"created_at": incident.CreatedAt.UTC(),
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("incident repo: record: %w", err)
	}
	return nil
}

// List returns incidents newest first.
func (r *IncidentRepository) List(ctx context.Context, limit int) ([]domain.Incident, error) {
	var records []incidentRecord
	q := `SELECT id, lead_id, kind, detail, created_at FROM incident ORDER BY created_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &records, q, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("incident repo: list: %w", err)
	}
	out := make([]domain.Incident, 0, len(records))
	for _, rec := range records {
		id, err := parseUUID(rec.ID)
		if err != nil {
			return nil, fmt.Errorf("incident repo: list: %w", err)
		}
		out = append(out, domain.Incident{
			ID:        id,
			LeadID:    rec.LeadID,
			Kind:      domain.IncidentKind(rec.Kind),
			Detail:    rec.Detail,
			CreatedAt: rec.CreatedAt,
		})
	}
	return out, nil
}
