package domain

import "time"

// ScheduleStatus enumerates lifecycle stages for a schedule entry.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleInFlight  ScheduleStatus = "in_flight"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// Outcomes stored on completed schedule entries.
const (
	OutcomeDispatched    = "dispatched"
	OutcomeRejected      = "rejected"
	OutcomeSkippedClosed = "skipped_closed"
	OutcomeSkippedBusy   = "skipped_reserved"
)

// ScheduleEntry is an intended future call attempt for one lead.
type ScheduleEntry struct {
	ID            int64
	LeadID        int64
	ScheduledAt   time.Time
	AttemptNumber int
	Status        ScheduleStatus
	LastOutcome   string
	ClaimedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
