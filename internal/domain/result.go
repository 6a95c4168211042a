package domain

import "time"

// ResultKind tags the shape of a CallResult.
type ResultKind string

const (
	ResultAppointmentRequested ResultKind = "appointment_requested"
	ResultInterestedPending    ResultKind = "interested_pending"
	ResultDeclined             ResultKind = "declined"
	ResultNoContactSoft        ResultKind = "no_contact_soft"
	ResultPlatformFailure      ResultKind = "platform_failure"
	ResultWrongNumber          ResultKind = "wrong_number"
)

// CallResult is the classified outcome of a completed call.
type CallResult interface {
	Kind() ResultKind
	sealed()
}

// DeclineReason is the caller's stated reason for refusing.
type DeclineReason string

const (
	DeclineOngoingTreatmentInsurer DeclineReason = "ongoing_treatment_insurer"
	DeclineOngoingTreatmentPrivate DeclineReason = "ongoing_treatment_private"
	DeclinePolicyCancellation      DeclineReason = "policy_cancellation"
	DeclineWillCallBack            DeclineReason = "will_call_back"
	DeclineNoReasonGiven           DeclineReason = "no_reason_given"
)

// NoContactKind distinguishes the soft no-contact outcomes.
type NoContactKind string

const (
	NoContactBusy      NoContactKind = "busy"
	NoContactNoAnswer  NoContactKind = "no_answer"
	NoContactVoicemail NoContactKind = "voicemail"
	NoContactHangup    NoContactKind = "hangup"
)

type AppointmentRequested struct {
	WithPack           bool
	DesiredDate        *time.Time
	PreferredTimeOfDay TimeOfDay
}

type InterestedPending struct {
	EarliestDate *time.Time
}

type Declined struct {
	Reason DeclineReason
}

type NoContactSoft struct {
	Sub NoContactKind
}

type PlatformFailure struct{}

type WrongNumber struct{}

func (AppointmentRequested) Kind() ResultKind { return ResultAppointmentRequested }
func (InterestedPending) Kind() ResultKind    { return ResultInterestedPending }
func (Declined) Kind() ResultKind             { return ResultDeclined }
func (NoContactSoft) Kind() ResultKind        { return ResultNoContactSoft }
func (PlatformFailure) Kind() ResultKind      { return ResultPlatformFailure }
func (WrongNumber) Kind() ResultKind          { return ResultWrongNumber }

func (AppointmentRequested) sealed() {}
func (InterestedPending) sealed()    {}
func (Declined) sealed()             {}
func (NoContactSoft) sealed()        {}
func (PlatformFailure) sealed()      {}
func (WrongNumber) sealed()          {}
