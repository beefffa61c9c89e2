package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Job is the broadcast plan. It is built once from config and never mutated.
type Job struct {
	DailyTimes   []string
	Interval     time.Duration // spacing between recipients in one audience
	RetractDelay time.Duration // 0 keeps messages forever

	ToFriends    bool
	ToGroups     bool
	Simultaneous bool
	// Skip holds chat ids and usernames (with or without '@') that never receive broadcasts.
	Skip []string

	RepeatDaily bool
	Location    *time.Location

	LogSuccess bool
	LogFailure bool
}

func (j Job) location() *time.Location {
	if j.Location == nil {
		return time.Local
	}
	return j.Location
}

// skipSet normalizes Skip for lookups.
func (j Job) skipSet() map[string]struct{} {
	out := make(map[string]struct{}, len(j.Skip))
	for _, s := range j.Skip {
		s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// ClockTime is one HH:MM entry of the daily schedule.
type ClockTime struct {
	Hour, Minute int
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock parses "HH:MM" in 24h form, two digits on each side.
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	hh, okH := twoDigits(h)
	mm, okM := twoDigits(m)
	if !ok || !okH || !okM || hh > 23 || mm > 59 {
		return ClockTime{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return ClockTime{Hour: hh, Minute: mm}, nil
}

func twoDigits(s string) (int, bool) {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

// NextOccurrence returns the next instant at hh:mm in loc strictly after now.
// A time equal to now counts as passed.
func NextOccurrence(now time.Time, hh, mm int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	t := time.Date(n.Year(), n.Month(), n.Day(), hh, mm, 0, 0, loc)
	if !t.After(n) {
		t = time.Date(n.Year(), n.Month(), n.Day()+1, hh, mm, 0, 0, loc)
	}
	return t
}
