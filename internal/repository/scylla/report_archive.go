package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/acme/dental-outreach/internal/domain"
	"github.com/acme/dental-outreach/internal/repository"
)

const createReportsTable = `CREATE TABLE IF NOT EXISTS call_reports_by_lead (
	lead_id bigint,
	received_at timestamp,
	call_id text,
	status text,
	duration_seconds int,
	outcome_code int,
	collected_info text,
	recording_url text,
	PRIMARY KEY ((lead_id), received_at, call_id)
) WITH CLUSTERING ORDER BY (received_at DESC, call_id ASC)`

const defaultListLimit = 50

// ReportArchive keeps raw platform reports per lead in Scylla, append-only.
type ReportArchive struct {
	session *gocql.Session
}

var _ repository.ReportArchive = (*ReportArchive)(nil)

// NewReportArchive creates a new archive over session.
func NewReportArchive(session *gocql.Session) *ReportArchive {
	return &ReportArchive{session: session}
}

// EnsureSchema creates the archive table in the session keyspace.
func (a *ReportArchive) EnsureSchema(ctx context.Context) error {
	if err := a.session.Query(createReportsTable).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("report archive: create table: %w", err)
	}
	return nil
}

// Append stores one report under the lead partition.
func (a *ReportArchive) Append(ctx context.Context, leadID int64, report domain.CallReport, receivedAt time.Time) error {
	info, err := encodeInfo(report.CollectedInfo)
	if err != nil {
		return fmt.Errorf("report archive: append %s: %w", report.CallID, err)
	}
	if err := a.session.Query(`INSERT INTO call_reports_by_lead (lead_id, received_at, call_id, status, duration_seconds, outcome_code, collected_info, recording_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		leadID, receivedAt.UTC(), report.CallID, report.Status, report.DurationSeconds, report.OutcomeCode, info, report.RecordingURL,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("report archive: append %s: %w", report.CallID, err)
	}
	return nil
}

// ListByLead returns the newest reports of the lead first.
func (a *ReportArchive) ListByLead(ctx context.Context, leadID int64, limit int) ([]domain.CallReport, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	iter := a.session.Query(`SELECT call_id, status, duration_seconds, outcome_code, collected_info, recording_url
		FROM call_reports_by_lead WHERE lead_id = ? LIMIT ?`, leadID, limit).WithContext(ctx).Iter()

	var (
		callID    string
		status    string
		duration  int
		code      int
		info      string
		recording string
	)

	reports := make([]domain.CallReport, 0, limit)
	for iter.Scan(&callID, &status, &duration, &code, &info, &recording) {
		collected, err := decodeInfo(info)
		if err != nil {
			// Unparseable info is kept verbatim.
			collected = map[string]any{"raw": info}
		}
		reports = append(reports, domain.CallReport{
			CallID:          callID,
			Status:          status,
			DurationSeconds: duration,
			OutcomeCode:     code,
			CollectedInfo:   collected,
			RecordingURL:    recording,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("report archive: iter close: %w", err)
	}
	return reports, nil
}

func encodeInfo(info map[string]any) (string, error) {
	if len(info) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeInfo(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
