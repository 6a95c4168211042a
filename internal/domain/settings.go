package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/acme/dental-outreach/pkg/errors"
)

// Keys recognised in the scheduler_config table.
const (
	SettingMaxAttempts       = "max_attempts"
	SettingRescheduleHours   = "reschedule_hours"
	SettingWorkingHoursStart = "working_hours_start"
	SettingWorkingHoursEnd   = "working_hours_end"
	SettingWorkingDays       = "working_days"
	SettingClosureReasons    = "closure_reasons"
)

// ClosureKind names the outcome that closed a lead; the label is configurable.
type ClosureKind string

const (
	ClosureKindAppointment       ClosureKind = "appointment"
	ClosureKindDeclined          ClosureKind = "declined"
	ClosureKindAttemptsExhausted ClosureKind = "attempts_exhausted"
	ClosureKindWrongNumber       ClosureKind = "wrong_number"
	ClosureKindUncooperative     ClosureKind = "uncooperative"
)

var defaultClosureLabels = map[ClosureKind]ClosureReason{
	ClosureKindAppointment:       ClosureAppointment,
	ClosureKindDeclined:          ClosureNotUseful,
	ClosureKindAttemptsExhausted: ClosureUnreachable,
	ClosureKindWrongNumber:       ClosureWrongPhone,
	ClosureKindUncooperative:     ClosureUncooperative,
}

// Clock is a wall-clock time of day in minutes since midnight.
type Clock int

// ParseClock parses HH:MM.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// MustClock parses HH:MM and panics on malformed input.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// ClockOf returns the wall-clock part of t in its own location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// WeekdaySet is a set of calling days.
type WeekdaySet uint8

// NewWeekdaySet builds a set of the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

func (s WeekdaySet) Contains(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

func (s WeekdaySet) Empty() bool { return s == 0 }

func (s WeekdaySet) String() string {
	var names []string
	for d := time.Monday; ; d = (d + 1) % 7 {
		if s.Contains(d) {
			names = append(names, d.String()[:3])
		}
		if d == time.Sunday {
			break
		}
	}
	return strings.Join(names, ",")
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday, "thu": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
	"lun": time.Monday, "mar": time.Tuesday, "mie": time.Wednesday, "mié": time.Wednesday,
	"jue": time.Thursday, "vie": time.Friday, "sab": time.Saturday, "sáb": time.Saturday, "dom": time.Sunday,
}

func parseWeekday(s string) (time.Weekday, error) {
	key := FoldLabel(s)
	if len([]rune(key)) > 3 {
		key = string([]rune(key)[:3])
	}
	d, ok := weekdayNames[key]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", s)
	}
	return d, nil
}

// ParseWeekdaySet accepts comma separated days and ranges, e.g. "Mon-Fri" or "Mon,Wed,Sat".
func ParseWeekdaySet(s string) (WeekdaySet, error) {
	var set WeekdaySet
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, ok := strings.Cut(part, "-"); ok {
			start, err := parseWeekday(from)
			if err != nil {
				return 0, err
			}
			end, err := parseWeekday(to)
			if err != nil {
				return 0, err
			}
			for d := start; ; d = (d + 1) % 7 {
				set |= NewWeekdaySet(d)
				if d == end {
					break
				}
			}
			continue
		}
		d, err := parseWeekday(part)
		if err != nil {
			return 0, err
		}
		set |= NewWeekdaySet(d)
	}
	if set.Empty() {
		return 0, fmt.Errorf("no working days in %q", s)
	}
	return set, nil
}

// SchedulerConfig is the retry policy read from the scheduler_config table.
type SchedulerConfig struct {
	MaxAttempts       int
	RescheduleHours   int
	WorkingHoursStart Clock
	WorkingHoursEnd   Clock
	WorkingDays       WeekdaySet
	ClosureReasons    map[ClosureKind]ClosureReason
}

// DefaultSchedulerConfig applies when the table is empty.
func DefaultSchedulerConfig() SchedulerConfig {
	labels := make(map[ClosureKind]ClosureReason, len(defaultClosureLabels))
	for k, v := range defaultClosureLabels {
		labels[k] = v
	}
	return SchedulerConfig{
		MaxAttempts:       6,
		RescheduleHours:   30,
		WorkingHoursStart: MustClock("10:00"),
		WorkingHoursEnd:   MustClock("20:00"),
		WorkingDays:       NewWeekdaySet(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
		ClosureReasons:    labels,
	}
}

// ParseSchedulerConfig overlays values on the defaults. Unknown keys are ignored.
func ParseSchedulerConfig(values map[string]string) (SchedulerConfig, error) {
	cfg := DefaultSchedulerConfig()
	var err error

	if v, ok := values[SettingMaxAttempts]; ok {
		if cfg.MaxAttempts, err = positiveInt(SettingMaxAttempts, v); err != nil {
			return SchedulerConfig{}, err
		}
	}
	if v, ok := values[SettingRescheduleHours]; ok {
		if cfg.RescheduleHours, err = positiveInt(SettingRescheduleHours, v); err != nil {
			return SchedulerConfig{}, err
		}
	}
	if v, ok := values[SettingWorkingHoursStart]; ok {
		if cfg.WorkingHoursStart, err = ParseClock(v); err != nil {
			return SchedulerConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrConfig, SettingWorkingHoursStart, err)
		}
	}
	if v, ok := values[SettingWorkingHoursEnd]; ok {
		if cfg.WorkingHoursEnd, err = ParseClock(v); err != nil {
			return SchedulerConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrConfig, SettingWorkingHoursEnd, err)
		}
	}
	if v, ok := values[SettingWorkingDays]; ok {
		if cfg.WorkingDays, err = ParseWeekdaySet(v); err != nil {
			return SchedulerConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrConfig, SettingWorkingDays, err)
		}
	}
	if v, ok := values[SettingClosureReasons]; ok && strings.TrimSpace(v) != "" {
		overrides := map[string]string{}
		if err := json.Unmarshal([]byte(v), &overrides); err != nil {
			return SchedulerConfig{}, fmt.Errorf("%w: %s: %v", apperrors.ErrConfig, SettingClosureReasons, err)
		}
		for kind, label := range overrides {
			if _, known := defaultClosureLabels[ClosureKind(kind)]; !known {
				return SchedulerConfig{}, fmt.Errorf("%w: %s: unknown outcome kind %q", apperrors.ErrConfig, SettingClosureReasons, kind)
			}
			reason, ok := CanonicalClosureReason(label)
			if !ok {
				return SchedulerConfig{}, fmt.Errorf("%w: %s: unknown closure label %q", apperrors.ErrConfig, SettingClosureReasons, label)
			}
			cfg.ClosureReasons[ClosureKind(kind)] = reason
		}
	}

	if err := cfg.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c SchedulerConfig) Validate() error {
	if c.MaxAttempts <= 0 || c.RescheduleHours <= 0 {
		return fmt.Errorf("%w: max_attempts and reschedule_hours must be positive", apperrors.ErrConfig)
	}
	if c.WorkingHoursStart >= c.WorkingHoursEnd {
		return fmt.Errorf("%w: working hours %s-%s are empty", apperrors.ErrConfig, c.WorkingHoursStart, c.WorkingHoursEnd)
	}
	if c.WorkingDays.Empty() {
		return fmt.Errorf("%w: no working days configured", apperrors.ErrConfig)
	}
	return nil
}

// RescheduleDelay is the cooldown between attempts.
func (c SchedulerConfig) RescheduleDelay() time.Duration {
	return time.Duration(c.RescheduleHours) * time.Hour
}

// ClosureLabel returns the configured label for kind, falling back to the default.
func (c SchedulerConfig) ClosureLabel(kind ClosureKind) ClosureReason {
	if label, ok := c.ClosureReasons[kind]; ok {
		return label
	}
	return defaultClosureLabels[kind]
}

// Values renders the config back into table form.
func (c SchedulerConfig) Values() map[string]string {
	labels := make(map[string]string, len(c.ClosureReasons))
	for k, v := range c.ClosureReasons {
		labels[string(k)] = string(v)
	}
	encoded, _ := json.Marshal(labels)
	return map[string]string{
		SettingMaxAttempts:       strconv.Itoa(c.MaxAttempts),
		SettingRescheduleHours:   strconv.Itoa(c.RescheduleHours),
		SettingWorkingHoursStart: c.WorkingHoursStart.String(),
		SettingWorkingHoursEnd:   c.WorkingHoursEnd.String(),
		SettingWorkingDays:       c.WorkingDays.String(),
		SettingClosureReasons:    string(encoded),
	}
}

// CanonicalClosureReason matches a label against the recognised set, ignoring case and accent form.
func CanonicalClosureReason(label string) (ClosureReason, bool) {
	for _, r := range []ClosureReason{ClosureUnreachable, ClosureUncooperative, ClosureWrongPhone, ClosureNotUseful, ClosureAppointment} {
		if SameLabel(label, string(r)) {
			return r, true
		}
	}
	return ClosureNone, false
}

func positiveInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", apperrors.ErrConfig, key, raw)
	}
	return n, nil
}
