package outcome

import (
	"reflect"
	"testing"
	"time"

	"github.com/acme/dental-outreach/internal/domain"
)

func TestClassifyRules(t *testing.T) {
	desired := time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		code int
		info map[string]any
		want domain.CallResult
	}{
		{
			name: "declined with reason",
			code: 1,
			info: map[string]any{KeyNotInterested: true, KeyDeclineReason: "policy_cancellation"},
			want: domain.Declined{Reason: domain.DeclinePolicyCancellation},
		},
		{
			name: "declined with spanish label",
			code: 1,
			info: map[string]any{KeyNotInterested: "sí", KeyDeclineReason: "Paciente con tratamiento particular"},
			want: domain.Declined{Reason: domain.DeclineOngoingTreatmentPrivate},
		},
		{
			name: "declined defaults reason",
			code: 1,
			info: map[string]any{KeyNotInterested: "true"},
			want: domain.Declined{Reason: domain.DeclineNoReasonGiven},
		},
		{
			name: "declined wins over appointment fields",
			code: 1,
			info: map[string]any{KeyNotInterested: true, KeyWithPack: true},
			want: domain.Declined{Reason: domain.DeclineNoReasonGiven},
		},
		{
			name: "appointment with pack",
			code: 1,
			info: map[string]any{KeyWithPack: true, KeyDesiredDate: "2025-02-14", KeyTimeOfDay: "morning"},
			want: domain.AppointmentRequested{WithPack: true, DesiredDate: &desired, PreferredTimeOfDay: domain.TimeOfDayMorning},
		},
		{
			name: "appointment without pack",
			code: 1,
			info: map[string]any{KeyWithoutPack: true, KeyTimeOfDay: "Tarde"},
			want: domain.AppointmentRequested{PreferredTimeOfDay: domain.TimeOfDayAfternoon},
		},
		{
			name: "appointment from call result label",
			code: 1,
			info: map[string]any{KeyCallResult: "Cita Confirmada"},
			want: domain.AppointmentRequested{},
		},
		{
			name: "interested pending",
			code: 1,
			info: map[string]any{KeyCallBack: true},
			want: domain.InterestedPending{},
		},
		{
			name: "wrong number flag",
			code: 1,
			info: map[string]any{KeyWrongNumber: "yes"},
			want: domain.WrongNumber{},
		},
		{
			name: "busy",
			code: CodeBusy,
			want: domain.NoContactSoft{Sub: domain.NoContactBusy},
		},
		{
			name: "hangup",
			code: CodeHangup,
			want: domain.NoContactSoft{Sub: domain.NoContactHangup},
		},
		{
			name: "no answer",
			code: CodeNoAnswer,
			want: domain.NoContactSoft{Sub: domain.NoContactNoAnswer},
		},
		{
			name: "voicemail",
			code: CodeNoAnswer,
			info: map[string]any{KeyVoicemail: true},
			want: domain.NoContactSoft{Sub: domain.NoContactVoicemail},
		},
		{
			name: "platform failure",
			code: CodePlatformFailure,
			want: domain.PlatformFailure{},
		},
		{
			name: "unknown code is conservative",
			code: 99,
			info: map[string]any{"unrelated": "value"},
			want: domain.NoContactSoft{Sub: domain.NoContactNoAnswer},
		},
		{
			name: "false flags are ignored",
			code: CodeBusy,
			info: map[string]any{KeyNotInterested: false, KeyWithPack: "no", KeyCallBack: 0.0},
			want: domain.NoContactSoft{Sub: domain.NoContactBusy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.code, tt.info)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Classify() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	inputs := []map[string]any{
		nil,
		{KeyWithPack: true, KeyDesiredDate: "14/02/2025", KeyTimeOfDay: "mañana"},
		{KeyNotInterested: "1", KeyDeclineReason: "unknown"},
		{KeyCallBack: "si", KeyDesiredDate: "2025-03-01"},
	}
	for code := 0; code <= 8; code++ {
		for _, info := range inputs {
			first := Classify(code, info)
			second := Classify(code, info)
			if !reflect.DeepEqual(first, second) {
				t.Fatalf("classification not deterministic for code %d info %v", code, info)
			}
		}
	}
}

func TestClassifyUnparseableDateStillBooks(t *testing.T) {
	got, ok := Classify(1, map[string]any{KeyDesiredDate: "next week"}).(domain.AppointmentRequested)
	if !ok {
		t.Fatalf("expected appointment request")
	}
	if got.DesiredDate != nil {
		t.Fatalf("expected nil date, got %v", got.DesiredDate)
	}
}
