package domain

import (
	"errors"
	"testing"
	"time"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"611000001":       "611000001",
		"+34 611 000 001": "611000001",
		"0034611000001":   "611000001",
		"34-611-00-00-01": "611000001",
		" 911 22 33 44 ":  "911223344",
	}
	for raw, want := range cases {
		got, err := NormalizePhone(raw)
		if err != nil {
			t.Fatalf("NormalizePhone(%q) unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", raw, got, want)
		}
	}

	for _, raw := range []string{"", "12345", "511000001", "+44 20 7946 0000"} {
		if _, err := NormalizePhone(raw); !errors.Is(err, apperrors.ErrValidation) {
			t.Fatalf("NormalizePhone(%q) expected validation error, got %v", raw, err)
		}
	}

	if got := E164("611000001"); got != "+34611000001" {
		t.Fatalf("unexpected e164 %q", got)
	}
}

func TestValidStatusPair(t *testing.T) {
	if !ValidStatusPair(Level1Open, Level2None) {
		t.Fatal("open/null must be valid")
	}
	if !ValidStatusPair(Level1CallBack, Level2Voicemail) {
		t.Fatal("callback/voicemail must be valid")
	}
	if ValidStatusPair(Level1CallBack, Level2None) {
		t.Fatal("callback requires a sub-reason")
	}
	if ValidStatusPair(Level1WrongNumber, Level2Interrupted) {
		t.Fatal("wrong number takes no sub-reason")
	}
	if ValidStatusPair(Level1Appointment, Level2NoReasonGiven) {
		t.Fatal("appointment cannot carry a decline reason")
	}
}

func TestParseSchedulerConfigDefaults(t *testing.T) {
	cfg, err := ParseSchedulerConfig(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxAttempts != 6 || cfg.RescheduleHours != 30 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.WorkingHoursStart.String() != "10:00" || cfg.WorkingHoursEnd.String() != "20:00" {
		t.Fatalf("unexpected hours %s-%s", cfg.WorkingHoursStart, cfg.WorkingHoursEnd)
	}
	if cfg.WorkingDays.Contains(time.Saturday) || !cfg.WorkingDays.Contains(time.Friday) {
		t.Fatalf("unexpected working days %s", cfg.WorkingDays)
	}
	if cfg.ClosureLabel(ClosureKindAttemptsExhausted) != ClosureUnreachable {
		t.Fatalf("unexpected closure label %q", cfg.ClosureLabel(ClosureKindAttemptsExhausted))
	}
}

func TestParseSchedulerConfigOverrides(t *testing.T) {
	cfg, err := ParseSchedulerConfig(map[string]string{
		SettingMaxAttempts:       "4",
		SettingWorkingHoursStart: "09:30",
		SettingWorkingDays:       "Mon-Wed, Sat",
		SettingClosureReasons:    `{"declined":"no colabora"}`,
		"unknown_key":            "ignored",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxAttempts != 4 {
		t.Fatalf("expected max attempts 4, got %d", cfg.MaxAttempts)
	}
	if cfg.WorkingHoursStart != Clock(9*60+30) {
		t.Fatalf("unexpected start %s", cfg.WorkingHoursStart)
	}
	if got := cfg.WorkingDays.String(); got != "Mon,Tue,Wed,Sat" {
		t.Fatalf("unexpected days %q", got)
	}
	if cfg.ClosureLabel(ClosureKindDeclined) != ClosureUncooperative {
		t.Fatalf("expected canonical label, got %q", cfg.ClosureLabel(ClosureKindDeclined))
	}

	again, err := ParseSchedulerConfig(cfg.Values())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if again.WorkingDays != cfg.WorkingDays || again.ClosureLabel(ClosureKindDeclined) != ClosureUncooperative {
		t.Fatalf("round trip mismatch: %+v", again)
	}
}

func TestParseSchedulerConfigRejectsInvalid(t *testing.T) {
	bad := []map[string]string{
		{SettingMaxAttempts: "zero"},
		{SettingRescheduleHours: "-1"},
		{SettingWorkingHoursStart: "21:00"},
		{SettingWorkingDays: "someday"},
		{SettingClosureReasons: `{"declined":"Maybe"}`},
		{SettingClosureReasons: `{"bogus":"Cita"}`},
	}
	for _, values := range bad {
		if _, err := ParseSchedulerConfig(values); !errors.Is(err, apperrors.ErrConfig) {
			t.Fatalf("expected config error for %v, got %v", values, err)
		}
	}
}

func TestFoldLabel(t *testing.T) {
	// decomposed "ó" must match the precomposed form
	if !SameLabel("Tele\u0301fono erro\u0301neo", "TELÉFONO ERRÓNEO") {
		t.Fatal("expected NFC and case folding to match")
	}
}
