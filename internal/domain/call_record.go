package domain

import "time"

// CallRecordStatus enumerates lifecycle stages for a dispatched call.
type CallRecordStatus string

const (
	CallRecordPending       CallRecordStatus = "pending"
	CallRecordEnriched      CallRecordStatus = "enriched"
	CallRecordInvalidCallID CallRecordStatus = "invalid_call_id"
)

// CallRecord is the persisted trace of one dispatched call.
type CallRecord struct {
	CallID          string
	LeadID          int64
	PhoneCalled     string
	DispatchedAt    time.Time
	DurationSeconds *int
	RawOutcome      *int
	CollectedInfo   map[string]any
	RecordingURL    string
	Status          CallRecordStatus
	Note            string
	EnrichedAt      *time.Time
}

// CallReport is the closed report returned by the call platform for one call.
type CallReport struct {
	CallID          string
	Status          string
	DurationSeconds int
	OutcomeCode     int
	CollectedInfo   map[string]any
	RecordingURL    string
}

// Closed reports whether the platform considers the call finished.
func (r CallReport) Closed() bool {
	switch r.Status {
	case "closed", "completed", "ended", "done":
		return true
	}
	return false
}
