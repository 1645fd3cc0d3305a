// Package adherence computes adherence rates, missed doses, streaks and
// weekday patterns from a snapshot of administration events. Every function
// is pure: callers pass the snapshot and the current day explicitly.
package adherence

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
)

// Period names a window kind.
type Period string

const (
	PeriodDaily     Period = "daily"
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodLastNDays Period = "last-n-days"
	PeriodCustom    Period = "custom"
)

// DefaultLookbackDays is the history scanned for weekday patterns.
const DefaultLookbackDays = 90

// ParsePeriod accepts the period names used on the API.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodLastNDays, PeriodCustom:
		return p, nil
	case "last-n":
		return PeriodLastNDays, nil
	case "":
		return PeriodDaily, nil
	default:
		return "", fmt.Errorf("unknown period %q", s)
	}
}

// Window is an inclusive date range over which adherence is evaluated.
type Window struct {
	Period Period
	Start  calendar.Day
	End    calendar.Day
}

// Daily is today only.
func Daily(today calendar.Day) Window {
	return Window{Period: PeriodDaily, Start: today, End: today}
}

// Weekly is the last seven days including today.
func Weekly(today calendar.Day) Window {
	return Window{Period: PeriodWeekly, Start: today.AddDays(-6), End: today}
}

// Monthly runs from the first of the current month through today.
func Monthly(today calendar.Day) Window {
	return Window{Period: PeriodMonthly, Start: today.FirstOfMonth(), End: today}
}

// LastNDays is the last n days including today; n below 1 is treated as 1.
func LastNDays(today calendar.Day, n int) Window {
	if n < 1 {
		n = 1
	}
	return Window{Period: PeriodLastNDays, Start: today.AddDays(-(n - 1)), End: today}
}

// Custom is [start, end] with end clamped to today.
func Custom(start, end, today calendar.Day) Window {
	return Window{Period: PeriodCustom, Start: start, End: calendar.Min(end, today)}
}

// ForPeriod builds the window for a named period. days is only used by
// PeriodLastNDays.
func ForPeriod(p Period, today calendar.Day, days int) (Window, error) {
	switch p {
	case PeriodDaily:
		return Daily(today), nil
	case PeriodWeekly:
		return Weekly(today), nil
	case PeriodMonthly:
		return Monthly(today), nil
	case PeriodLastNDays:
		return LastNDays(today, days), nil
	default:
		return Window{}, fmt.Errorf("period %q needs explicit bounds", p)
	}
}

// clamp caps the end of w at today.
func (w Window) clamp(today calendar.Day) Window {
	w.End = calendar.Min(w.End, today)
	return w
}

// Contains reports whether d falls inside w.
func (w Window) Contains(d calendar.Day) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// Days returns the number of days in w, zero when empty.
func (w Window) Days() int {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Since(w.Start) + 1
}

// startsNaturalPeriod reports whether today is the first day of w's natural
// period: Monday for weekly, the 1st for monthly, and always for daily.
func (w Window) startsNaturalPeriod(today calendar.Day) bool {
	switch w.Period {
	case PeriodDaily:
		return true
	case PeriodWeekly:
		return today.Weekday() == time.Monday
	case PeriodMonthly:
		return today.Day == 1
	default:
		return false
	}
}
