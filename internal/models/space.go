package models

import (
	"fmt"
	"strings"
	"time"
)

type Space struct {
	ID           string          `json:"id" yaml:"id"`
	VenueID      string          `json:"venue_id" yaml:"venue_id"`
	Name         string          `json:"name" yaml:"name"`
	Timezone     string          `json:"timezone,omitempty" yaml:"timezone"`
	OpeningHours []OpeningWindow `json:"opening_hours,omitempty" yaml:"opening_hours"`
}

// OpeningWindow describes daily hours, e.g. days [mon, tue], 08:00-20:00.
// Empty Days means every day. Close may be "24:00".
type OpeningWindow struct {
	Days  []string `json:"days,omitempty" yaml:"days"`
	Open  string   `json:"open" yaml:"open"`
	Close string   `json:"close" yaml:"close"`
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func (s *Space) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("space id is required")
	}
	if _, err := s.location(); err != nil {
		return fmt.Errorf("space %s: %w", s.ID, err)
	}
	for i, w := range s.OpeningHours {
		if err := w.validate(); err != nil {
			return fmt.Errorf("space %s opening_hours[%d]: %w", s.ID, i, err)
		}
	}
	return nil
}

func (s *Space) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Contains reports whether the interval fits inside a single opening window.
// A space without opening hours is always open.
func (s *Space) Contains(iv Interval) bool {
	if len(s.OpeningHours) == 0 {
		return true
	}
	loc, err := s.location()
	if err != nil {
		return false
	}
	start := iv.Start.In(loc)
	end := iv.End.In(loc)

	startMin := start.Hour()*60 + start.Minute()
	var endMin int
	switch {
	case sameDay(start, end):
		endMin = end.Hour()*60 + end.Minute()
		if end.Second() > 0 || end.Nanosecond() > 0 {
			endMin++
		}
	case sameDay(start.AddDate(0, 0, 1), end) && end.Hour() == 0 && end.Minute() == 0 && end.Second() == 0 && end.Nanosecond() == 0:
		endMin = 24 * 60
	default:
		return false
	}

	for _, w := range s.OpeningHours {
		if !w.appliesTo(start.Weekday()) {
			continue
		}
		open, _ := parseClock(w.Open)
		closeAt, _ := parseClock(w.Close)
		if startMin >= open && endMin <= closeAt {
			return true
		}
	}
	return false
}

func (w OpeningWindow) appliesTo(day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == day {
			return true
		}
	}
	return false
}

func (w OpeningWindow) validate() error {
	for _, d := range w.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	open, err := parseClock(w.Open)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	closeAt, err := parseClock(w.Close)
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if open >= closeAt {
		return fmt.Errorf("open %s must be before close %s", w.Open, w.Close)
	}
	return nil
}

// parseClock returns minutes since midnight for "HH:MM".
func parseClock(v string) (int, error) {
	if v == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
