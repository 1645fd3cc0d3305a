// Package reminder plans dose reminders and weekly digests and hands them to
// the broker. Delivery to the patient happens downstream.
package reminder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
)

// TimeOfDay is a wall-clock time in the schedule's zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("time of day %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q: bad minute", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// ParseSendTimes parses a list such as ["07:00", "14:00"], sorted and
// without duplicates.
func ParseSendTimes(values []string) ([]TimeOfDay, error) {
	seen := make(map[TimeOfDay]bool)
	var out []TimeOfDay
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t, err := ParseTimeOfDay(v)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].minutes() < out[j].minutes() })
	return out, nil
}

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// On returns the instant of t on day d.
func (t TimeOfDay) On(d calendar.Day, loc *time.Location) time.Time {
	return d.At(t.Hour, t.Minute, 0, loc)
}

// Schedule says when reminders and digests go out.
type Schedule struct {
	SendTimes []TimeOfDay
	DigestDay time.Weekday
	DigestAt  TimeOfDay
	Location  *time.Location
}

// DefaultSchedule sends reminders at 07:00, 14:00 and 19:00 and the weekly
// digest on Sunday at 09:00.
func DefaultSchedule(loc *time.Location) Schedule {
	if loc == nil {
		loc = time.Local
	}
	return Schedule{
		SendTimes: []TimeOfDay{{Hour: 7}, {Hour: 14}, {Hour: 19}},
		DigestDay: time.Sunday,
		DigestAt:  TimeOfDay{Hour: 9},
		Location:  loc,
	}
}

// Occurrence is one scheduled send that has come due.
type Occurrence struct {
	Kind Kind
	Day  calendar.Day
	At   TimeOfDay
}

// Due returns the sends whose instant lies in (last, now], oldest first.
// Dose reminders are only produced for now's day and only for its latest
// passed slot, so a service that was down over several slots sends one
// reminder, not a burst.
func (s Schedule) Due(last, now time.Time) []Occurrence {
	if !now.After(last) {
		return nil
	}
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	first := calendar.Of(last.In(loc))
	end := calendar.Of(now.In(loc))
	if first.Before(end.AddDays(-6)) {
		first = end.AddDays(-6)
	}

	var out []Occurrence
	for _, d := range calendar.Range(first, end) {
		var latest *TimeOfDay
		for i, t := range s.SendTimes {
			at := t.On(d, loc)
			if at.After(last) && !at.After(now) {
				latest = &s.SendTimes[i]
			}
		}
		if latest != nil && d == end {
			out = append(out, Occurrence{Kind: KindDoseReminder, Day: d, At: *latest})
		}
		if d.Weekday() == s.DigestDay {
			at := s.DigestAt.On(d, loc)
			if at.After(last) && !at.After(now) {
				out = append(out, Occurrence{Kind: KindWeeklyDigest, Day: d, At: s.DigestAt})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].At.On(out[i].Day, loc), out[j].At.On(out[j].Day, loc)
		return a.Before(b)
	})
	return out
}
