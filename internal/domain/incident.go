package domain

import (
	"time"

	"github.com/google/uuid"
)

// IncidentKind classifies incidents surfaced to operators.
type IncidentKind string

const (
	IncidentInvariantViolation IncidentKind = "invariant_violation"
	IncidentStaleExhausted     IncidentKind = "stale_version_exhausted"
)

// Incident records a transition that was aborted and left the lead untouched.
type Incident struct {
	ID        uuid.UUID
	LeadID    int64
	Kind      IncidentKind
	Detail    string
	CreatedAt time.Time
}

// NewIncident stamps a new incident.
func NewIncident(leadID int64, kind IncidentKind, detail string, now time.Time) Incident {
	return Incident{ID: uuid.New(), LeadID: leadID, Kind: kind, Detail: detail, CreatedAt: now}
}

// OrphanLead is an open lead whose latest call record was rejected and has nothing scheduled.
type OrphanLead struct {
	LeadID       int64
	PrimaryPhone string
	SourceBatch  string
	CallID       string
	DispatchedAt time.Time
	Note         string
}
