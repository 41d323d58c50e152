package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
)

var ErrInvalidBlackout = errors.New("invalid blackout window")

const week = 7 * 24 * time.Hour

// BlackoutWindow is a weekly recurring range during which nothing is sent.
// A zero Duration disables the window.
type BlackoutWindow struct {
	Day      time.Weekday
	Minute   int // minutes after local midnight
	Duration time.Duration
	Location *time.Location
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseBlackout parses a start such as "Fri 18:00". An empty start disables the window.
func ParseBlackout(start string, duration time.Duration, loc *time.Location) (BlackoutWindow, error) {
	start = strings.TrimSpace(start)
	if start == "" || duration <= 0 {
		return BlackoutWindow{}, nil
	}
	if duration >= week {
		return BlackoutWindow{}, fmt.Errorf("%w: duration %v must be shorter than a week", ErrInvalidBlackout, duration)
	}
	fields := strings.Fields(start)
	if len(fields) != 2 {
		return BlackoutWindow{}, fmt.Errorf("%w: %q, expected \"Day HH:MM\"", ErrInvalidBlackout, start)
	}
	key := strings.ToLower(fields[0])
	if len(key) > 3 {
		key = key[:3]
	}
	day, ok := weekdays[key]
	if !ok {
		return BlackoutWindow{}, fmt.Errorf("%w: unknown day %q", ErrInvalidBlackout, fields[0])
	}
	minute, err := models.ParseClock(fields[1])
	if err != nil {
		return BlackoutWindow{}, fmt.Errorf("%w: %v", ErrInvalidBlackout, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return BlackoutWindow{Day: day, Minute: minute, Duration: duration, Location: loc}, nil
}

// Enabled reports whether the window ever applies.
func (b BlackoutWindow) Enabled() bool {
	return b.Duration > 0
}

// lastStart returns the most recent window start at or before t.
func (b BlackoutWindow) lastStart(t time.Time) time.Time {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	back := (int(local.Weekday()) - int(b.Day) + 7) % 7
	start := time.Date(local.Year(), local.Month(), local.Day()-back, b.Minute/60, b.Minute%60, 0, 0, loc)
	if start.After(local) {
		start = start.AddDate(0, 0, -7)
	}
	return start
}

// Contains reports whether t falls inside the window.
func (b BlackoutWindow) Contains(t time.Time) bool {
	if !b.Enabled() {
		return false
	}
	return t.Before(b.lastStart(t).Add(b.Duration))
}

// NextSafe returns the first instant at or after t outside the window.
func (b BlackoutWindow) NextSafe(t time.Time) time.Time {
	if !b.Contains(t) {
		return t
	}
	return b.lastStart(t).Add(b.Duration)
}

func (b BlackoutWindow) String() string {
	if !b.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("%s %02d:%02d for %v", b.Day, b.Minute/60, b.Minute%60, b.Duration)
}
