package scheduler

import (
	"time"

	"github.com/acme/dental-outreach/internal/domain"
)

// Window is the set of days and hours inside which a schedule entry may fire.
// Both bounds are inclusive and evaluated in Location.
type Window struct {
	Start    domain.Clock
	End      domain.Clock
	Days     domain.WeekdaySet
	Location *time.Location
}

// NewWindow builds the working window from the retry policy.
func NewWindow(cfg domain.SchedulerConfig, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	return Window{
		Start:    cfg.WorkingHoursStart,
		End:      cfg.WorkingHoursEnd,
		Days:     cfg.WorkingDays,
		Location: loc,
	}
}

// Contains reports whether t falls on a working day inside working hours.
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.location())
	if !w.Days.Contains(local.Weekday()) {
		return false
	}
	start, end := w.bounds(local)
	return !local.Before(start) && !local.After(end)
}

// Clamp returns t if it is inside the window, the same day's opening time if t is earlier
// on a working day, and otherwise the opening time of the next working day.
func (w Window) Clamp(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	local := t.In(w.location())
	if w.Days.Contains(local.Weekday()) {
		if start, _ := w.bounds(local); local.Before(start) {
			return start
		}
	}
	day := local
	for i := 0; i < 7; i++ {
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, day.Location())
		if w.Days.Contains(day.Weekday()) {
			start, _ := w.bounds(day)
			return start
		}
	}
	// unreachable with a non-empty day set
	return t
}

func (w Window) bounds(local time.Time) (time.Time, time.Time) {
	y, m, d := local.Date()
	loc := local.Location()
	start := time.Date(y, m, d, w.Start.Hour(), w.Start.Minute(), 0, 0, loc)
	end := time.Date(y, m, d, w.End.Hour(), w.End.Minute(), 0, 0, loc)
	return start, end
}

func (w Window) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}
