// Package schedule evaluates local-time quiet-hour windows, including
// windows that wrap past midnight.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Default quiet hours used by the safety plane's alert gate.
const (
	DefaultStart    = "21:00"
	DefaultEnd      = "06:00"
	DefaultTimezone = "America/Chicago"
)

// Window is a daily [start, end) interval in a fixed location. A window
// whose start is after its end spans midnight. start == end is empty.
type Window struct {
	start int // minutes after midnight
	end   int
	loc   *time.Location
}

// ParseWindow builds a window from "HH:MM" bounds and an IANA timezone name.
// An empty timezone means UTC.
func ParseWindow(start, end, timezone string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("quiet hours end: %w", err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return Window{}, fmt.Errorf("quiet hours timezone: %w", err)
		}
	}
	return Window{start: s, end: e, loc: loc}, nil
}

// Contains reports whether t falls inside the window, evaluated in the
// window's location.
func (w Window) Contains(t time.Time) bool {
	local := t
	if w.loc != nil {
		local = t.In(w.loc)
	}
	return contains(w.start, w.end, local.Hour()*60+local.Minute())
}

// NextEnd returns the first instant strictly after t at which the window
// closes.
func (w Window) NextEnd(t time.Time) time.Time {
	loc := w.loc
	if loc == nil {
		loc = t.Location()
	}
	local := t.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), w.end/60, w.end%60, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// IsDefaultQuietHours reports whether the local hour of now in timezone is
// in [21, 24) or [0, 6). An unknown timezone falls back to UTC.
func IsDefaultQuietHours(timezone string, now time.Time) bool {
	w, err := ParseWindow(DefaultStart, DefaultEnd, timezone)
	if err != nil {
		w, _ = ParseWindow(DefaultStart, DefaultEnd, "UTC")
	}
	return w.Contains(now)
}

func contains(start, end, current int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return current >= start && current < end
	default:
		return current >= start || current < end
	}
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
