// Package outcome maps raw call-platform reports to canonical call results.
package outcome

import (
	"strings"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
)

// Raw outcome codes reported by the call platform.
const (
	CodeBusy            = 4
	CodeHangup          = 5
	CodePlatformFailure = 6
	CodeNoAnswer        = 7
)

// Keys of the collected_info map filled in by the voice agent.
const (
	KeyNotInterested = "noInteresado"
	KeyDeclineReason = "razonNoInteres"
	KeyWithPack      = "conPack"
	KeyWithoutPack   = "sinPack"
	KeyDesiredDate   = "fechaDeseada"
	KeyTimeOfDay     = "preferenciaMT"
	KeyCallResult    = "callResult"
	KeyCallBack      = "volverALlamar"
	KeyWrongNumber   = "numeroErroneo"
	KeyVoicemail     = "buzon"
)

var appointmentResults = []string{"cita agendada", "cita confirmada"}

var truthy = map[string]bool{"true": true, "1": true, "si": true, "sí": true, "yes": true}

var declineReasons = map[string]domain.DeclineReason{
	string(domain.DeclineOngoingTreatmentInsurer): domain.DeclineOngoingTreatmentInsurer,
	string(domain.DeclineOngoingTreatmentPrivate): domain.DeclineOngoingTreatmentPrivate,
	string(domain.DeclinePolicyCancellation):      domain.DeclinePolicyCancellation,
	string(domain.DeclineWillCallBack):            domain.DeclineWillCallBack,
	string(domain.DeclineNoReasonGiven):           domain.DeclineNoReasonGiven,

	"paciente con tratamiento":            domain.DeclineOngoingTreatmentInsurer,
	"paciente con tratamiento particular": domain.DeclineOngoingTreatmentPrivate,
	"solicita baja póliza":                domain.DeclinePolicyCancellation,
	"solicita baja poliza":                domain.DeclinePolicyCancellation,
	"volverá a llamar":                    domain.DeclineWillCallBack,
	"no da motivos":                       domain.DeclineNoReasonGiven,
}

var timeOfDayAliases = map[string]domain.TimeOfDay{
	"morning":   domain.TimeOfDayMorning,
	"mañana":    domain.TimeOfDayMorning,
	"manana":    domain.TimeOfDayMorning,
	"afternoon": domain.TimeOfDayAfternoon,
	"tarde":     domain.TimeOfDayAfternoon,
}

var dateLayouts = []string{domain.DateLayout, "02/01/2006", time.RFC3339}

// Classify maps a raw outcome code and the collected fields to a CallResult.
// Rules are evaluated in order and the first match wins.
func Classify(code int, info map[string]any) domain.CallResult {
	switch {
	case flag(info, KeyNotInterested):
		return domain.Declined{Reason: declineReason(info)}

	case wantsAppointment(info):
		return domain.AppointmentRequested{
			WithPack:           flag(info, KeyWithPack),
			DesiredDate:        date(info, KeyDesiredDate),
			PreferredTimeOfDay: TimeOfDay(text(info, KeyTimeOfDay)),
		}

	case flag(info, KeyCallBack):
		return domain.InterestedPending{EarliestDate: date(info, KeyDesiredDate)}

	case flag(info, KeyWrongNumber):
		return domain.WrongNumber{}
	}

	switch code {
	case CodeBusy:
		return domain.NoContactSoft{Sub: domain.NoContactBusy}
	case CodeHangup:
		return domain.NoContactSoft{Sub: domain.NoContactHangup}
	case CodeNoAnswer:
		if flag(info, KeyVoicemail) {
			return domain.NoContactSoft{Sub: domain.NoContactVoicemail}
		}
		return domain.NoContactSoft{Sub: domain.NoContactNoAnswer}
	case CodePlatformFailure:
		return domain.PlatformFailure{}
	}
	return domain.NoContactSoft{Sub: domain.NoContactNoAnswer}
}

// ClassifyReport classifies a closed platform report.
func ClassifyReport(report domain.CallReport) domain.CallResult {
	return Classify(report.OutcomeCode, report.CollectedInfo)
}

// TimeOfDay parses a preferred time-of-day value, returning TimeOfDayAny when unknown.
func TimeOfDay(raw string) domain.TimeOfDay {
	return timeOfDayAliases[domain.FoldLabel(raw)]
}

func wantsAppointment(info map[string]any) bool {
	if flag(info, KeyWithPack) || flag(info, KeyWithoutPack) {
		return true
	}
	if text(info, KeyDesiredDate) != "" || text(info, KeyTimeOfDay) != "" {
		return true
	}
	result := domain.FoldLabel(text(info, KeyCallResult))
	for _, candidate := range appointmentResults {
		if result == candidate {
			return true
		}
	}
	return false
}

func declineReason(info map[string]any) domain.DeclineReason {
	if reason, ok := declineReasons[domain.FoldLabel(text(info, KeyDeclineReason))]; ok {
		return reason
	}
	return domain.DeclineNoReasonGiven
}

func flag(info map[string]any, key string) bool {
	switch v := info[key].(type) {
	case bool:
		return v
	case string:
		return truthy[domain.FoldLabel(v)]
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func text(info map[string]any, key string) string {
	if v, ok := info[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func date(info map[string]any, key string) *time.Time {
	raw := text(info, key)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}
