package domain

import "time"

// StatusLevel1 is the coarse outcome class of a lead.
type StatusLevel1 string

const (
	Level1Open        StatusLevel1 = "Open"
	Level1CallBack    StatusLevel1 = "Volver a llamar"
	Level1Appointment StatusLevel1 = "Cita Agendada"
	Level1Declined    StatusLevel1 = "No Interesado"
	Level1WrongNumber StatusLevel1 = "Numero erroneo"
)

// StatusLevel2 is the sub-reason constrained by StatusLevel1. The empty value is null.
type StatusLevel2 string

const (
	Level2None               StatusLevel2 = ""
	Level2Unavailable        StatusLevel2 = "no disponible cliente"
	Level2Voicemail          StatusLevel2 = "buzón"
	Level2Interrupted        StatusLevel2 = "interrupcion"
	Level2WillCallWhenReady  StatusLevel2 = "llamará cuando esté interesado"
	Level2WithPack           StatusLevel2 = "Con Pack"
	Level2WithoutPack        StatusLevel2 = "Sin Pack"
	Level2ManualAppointment  StatusLevel2 = "Cita manual"
	Level2NoReasonGiven      StatusLevel2 = "No da motivos"
	Level2OngoingTreatment   StatusLevel2 = "Paciente con tratamiento"
	Level2PrivateTreatment   StatusLevel2 = "Paciente con tratamiento particular"
	Level2PolicyCancellation StatusLevel2 = "Solicita baja póliza"
)

var allowedPairs = map[StatusLevel1][]StatusLevel2{
	Level1Open:        {Level2None},
	Level1CallBack:    {Level2Unavailable, Level2Voicemail, Level2Interrupted, Level2WillCallWhenReady},
	Level1Appointment: {Level2WithPack, Level2WithoutPack, Level2ManualAppointment},
	Level1Declined:    {Level2NoReasonGiven, Level2OngoingTreatment, Level2PrivateTreatment, Level2PolicyCancellation},
	Level1WrongNumber: {Level2None},
}

// ValidStatusPair reports whether the pair appears in the allowed status table.
func ValidStatusPair(l1 StatusLevel1, l2 StatusLevel2) bool {
	for _, candidate := range allowedPairs[l1] {
		if candidate == l2 {
			return true
		}
	}
	return false
}

// LeadStatus is the lifecycle flag of a lead.
type LeadStatus string

const (
	LeadStatusOpen   LeadStatus = "open"
	LeadStatusClosed LeadStatus = "closed"
)

// ClosureReason is the human label stored when a lead closes.
type ClosureReason string

const (
	ClosureNone          ClosureReason = ""
	ClosureUnreachable   ClosureReason = "Ilocalizable"
	ClosureUncooperative ClosureReason = "No colabora"
	ClosureWrongPhone    ClosureReason = "Teléfono erróneo"
	ClosureNotUseful     ClosureReason = "No útil"
	ClosureAppointment   ClosureReason = "Cita"
)

// ValidClosureReason reports whether r is one of the recognised closure labels.
func ValidClosureReason(r ClosureReason) bool {
	switch r {
	case ClosureUnreachable, ClosureUncooperative, ClosureWrongPhone, ClosureNotUseful, ClosureAppointment:
		return true
	}
	return false
}

// Reopenable reports whether operators may reopen a lead closed with r.
func (r ClosureReason) Reopenable() bool {
	return r == ClosureUnreachable || r == ClosureUncooperative
}

// TimeOfDay is a caller's preferred calling or appointment slot.
type TimeOfDay string

const (
	TimeOfDayAny       TimeOfDay = ""
	TimeOfDayMorning   TimeOfDay = "morning"
	TimeOfDayAfternoon TimeOfDay = "afternoon"
)

// DateLayout is the wire format of civil dates.
const DateLayout = "2006-01-02"

// LeadState holds the fields the transition engine owns.
type LeadState struct {
	StatusLevel1         StatusLevel1
	StatusLevel2         StatusLevel2
	LeadStatus           LeadStatus
	ClosureReason        ClosureReason
	CallAttemptsCount    int
	PlatformFailureCount int
	EarliestDate         *time.Time
	PreferredTimeOfDay   TimeOfDay
}

// InitialLeadState is the state of a freshly imported lead.
func InitialLeadState() LeadState {
	return LeadState{
		StatusLevel1: Level1Open,
		StatusLevel2: Level2None,
		LeadStatus:   LeadStatusOpen,
	}
}

// Closed reports whether the lifecycle flag is closed.
func (s LeadState) Closed() bool {
	return s.LeadStatus == LeadStatusClosed
}

// Lead models a prospective patient targeted for outbound calls.
type Lead struct {
	LeadState

	ID             int64
	SourceBatch    string
	GivenName      string
	FamilyName     string
	PrimaryPhone   string
	SecondaryPhone string
	ClinicAreaID   string

	SelectedForCalling bool
	ReservedBy         string
	ReservedAt         *time.Time
	LastCallAttempt    *time.Time

	// Version increments on every committed transition.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DialNumber returns the primary phone in E.164 form.
func (l *Lead) DialNumber() string {
	return E164(l.PrimaryPhone)
}
