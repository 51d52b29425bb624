package policy

import (
	"fmt"
	"time"
)

// Schedule is one recurring time window attached to a policy. Empty
// constraint fields mean "any". The time-of-day range may cross
// midnight (e.g. 22:00–06:00). All matching happens in the schedule's
// own timezone.
type Schedule struct {
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	Months    []time.Month   `json:"months,omitempty"`
	MonthDays []int          `json:"month_days,omitempty"`

	// StartMinute/EndMinute are minutes since local midnight. A zero
	// pair means the whole day.
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`

	Timezone string `json:"timezone,omitempty"`
	IsActive bool   `json:"is_active"`
}

// location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// Matches reports whether t falls inside the schedule window. A
// schedule with a bad timezone never matches; with fail-closed policy
// filtering this denies rather than grants.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.IsActive {
		return false
	}
	loc, err := s.location()
	if err != nil {
		return false
	}
	local := t.In(loc)

	if !containsWeekday(s.Weekdays, local.Weekday()) {
		return false
	}
	if !containsMonth(s.Months, local.Month()) {
		return false
	}
	if !containsInt(s.MonthDays, local.Day()) {
		return false
	}
	return s.matchesClock(minuteOfDay(local))
}

// WindowEnd returns the instant the currently matching window closes,
// in UTC. Callers must only invoke it when Matches(t) is true; the
// second return is false when the window is unbounded (whole-day with
// no clock range).
func (s *Schedule) WindowEnd(t time.Time) (time.Time, bool) {
	loc, err := s.location()
	if err != nil {
		return time.Time{}, false
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	start, end := s.StartMinute, s.EndMinute
	if start == 0 && end == 0 {
		// Whole-day window: closes at the next local midnight.
		return midnight.AddDate(0, 0, 1).UTC(), true
	}

	if start <= end {
		return midnight.Add(time.Duration(end) * time.Minute).UTC(), true
	}

	// Range crosses midnight. If we are in the pre-midnight half the
	// window ends tomorrow; in the post-midnight half it ends today.
	if minuteOfDay(local) >= start {
		return midnight.AddDate(0, 0, 1).Add(time.Duration(end) * time.Minute).UTC(), true
	}
	return midnight.Add(time.Duration(end) * time.Minute).UTC(), true
}

// CurrentWindow reports whether p's schedules admit t, and the
// earliest end of a matching window. A policy without use_schedules
// always matches with no window bound; use_schedules with zero
// matching rows fails closed. Both the resolver and session
// revalidation go through here so a schedule-bounded grant carries the
// same effective end at auth time and on every later poll.
func (p *AccessPolicy) CurrentWindow(t time.Time) (*time.Time, bool) {
	if !p.UseSchedules {
		return nil, true
	}
	matched := false
	var earliest *time.Time
	for i := range p.Schedules {
		s := &p.Schedules[i]
		if !s.IsActive || !s.Matches(t) {
			continue
		}
		matched = true
		if end, ok := s.WindowEnd(t); ok {
			if earliest == nil || end.Before(*earliest) {
				earliest = &end
			}
		}
	}
	return earliest, matched
}

func (s *Schedule) matchesClock(minute int) bool {
	start, end := s.StartMinute, s.EndMinute
	if start == 0 && end == 0 {
		return true
	}
	if start <= end {
		return minute >= start && minute < end
	}
	// Crosses midnight: 22:00–06:00 matches 23:30 and 02:00.
	return minute >= start || minute < end
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func containsWeekday(set []time.Weekday, d time.Weekday) bool {
	if len(set) == 0 {
		return true
	}
	for _, w := range set {
		if w == d {
			return true
		}
	}
	return false
}

func containsMonth(set []time.Month, m time.Month) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == m {
			return true
		}
	}
	return false
}

func containsInt(set []int, n int) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == n {
			return true
		}
	}
	return false
}
