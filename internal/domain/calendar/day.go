// Package calendar provides a civil-date value used to bucket events by day.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// dateLayout is the ISO-8601 calendar date layout used on the wire.
const dateLayout = "2006-01-02"

// Day is a calendar date without time or zone. The zero value is not a
// valid day and is reported by IsZero.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// Of returns the calendar date of t as written in t's own location.
func Of(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// Today returns the current date in loc.
func Today(now time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.Local
	}
	return Of(now.In(loc))
}

// Parse parses a YYYY-MM-DD date.
func Parse(s string) (Day, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return Of(t), nil
}

func (d Day) time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether d is the zero Day.
func (d Day) IsZero() bool { return d == Day{} }

// AddDays returns d shifted by n days (n may be negative).
func (d Day) AddDays(n int) Day { return Of(d.time().AddDate(0, 0, n)) }

// Before reports whether d is strictly earlier than o.
func (d Day) Before(o Day) bool { return d.time().Before(o.time()) }

// After reports whether d is strictly later than o.
func (d Day) After(o Day) bool { return d.time().After(o.time()) }

// Weekday returns the day of the week.
func (d Day) Weekday() time.Weekday { return d.time().Weekday() }

// Since returns the number of days from o to d.
func (d Day) Since(o Day) int {
	return int(d.time().Sub(o.time()).Hours() / 24)
}

// FirstOfMonth returns the first day of d's month.
func (d Day) FirstOfMonth() Day { return Day{Year: d.Year, Month: d.Month, Day: 1} }

// At returns the instant on d at the given clock time in loc.
func (d Day) At(hour, min, sec int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, hour, min, sec, 0, loc)
}

// String formats d as YYYY-MM-DD. The zero Day formats as "".
func (d Day) String() string {
	if d.IsZero() {
		return ""
	}
	return d.time().Format(dateLayout)
}

// MarshalText implements encoding.TextMarshaler so Day works as a JSON map key.
func (d Day) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler. An empty value decodes to the zero Day.
func (d *Day) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Day{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Min returns the earlier of a and b.
func Min(a, b Day) Day {
	if b.Before(a) {
		return b
	}
	return a
}

// Max returns the later of a and b.
func Max(a, b Day) Day {
	if b.After(a) {
		return b
	}
	return a
}

// Range returns every day from start through end inclusive. It is empty when
// end is before start.
func Range(start, end Day) []Day {
	if end.Before(start) {
		return nil
	}
	days := make([]Day, 0, end.Since(start)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}
