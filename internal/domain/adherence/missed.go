package adherence

import (
	"sort"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// MissCount is the number of days a medication was not taken.
type MissCount struct {
	Medication medication.ActiveMedication `json:"medication"`
	Missed     int                         `json:"missed"`
}

// MissedDoses counts, for each active medication, the days among the last
// days (through today) without an event for its key. Each medication is
// counted independently and results follow the order of active.
func MissedDoses(active []medication.ActiveMedication, events []medication.Administration, days int, today calendar.Day) []MissCount {
	out := make([]MissCount, 0, len(active))
	if days < 0 {
		days = 0
	}
	w := Window{Period: PeriodLastNDays, Start: today.AddDays(-(days - 1)), End: today}
	byDay := takenByDay(events, w)
	span := calendar.Range(w.Start, w.End)

	for _, m := range active {
		missed := 0
		for _, d := range span {
			if set, ok := byDay[d]; !ok || !set.Contains(m.Key) {
				missed++
			}
		}
		out = append(out, MissCount{Medication: m, Missed: missed})
	}
	return out
}

// DayTally is the adherence of one day.
type DayTally struct {
	Day      calendar.Day `json:"day"`
	Taken    int          `json:"taken"`
	Expected int          `json:"expected"`
	Missed   int          `json:"missed"`
	// Percent is Taken/Expected*100, or 0 when nothing was expected.
	Percent float64 `json:"percent"`
}

// WeeklySummary covers the seven days ending today for one patient.
type WeeklySummary struct {
	PatientID     string               `json:"patientId"`
	Days          []DayTally           `json:"days"` // oldest first
	MissedByDay   map[calendar.Day]int `json:"missedByDay"`
	MostMissed    []MissCount          `json:"mostMissed"`
	TotalTaken    int                  `json:"totalTaken"`
	TotalExpected int                  `json:"totalExpected"`
}

const weekDays = 7

// NewWeeklySummary tallies the last seven days for patientID. Only events
// whose subject is patientID count. Each active medication row is expected
// once per day; MostMissed is ordered by miss count, ties keeping the order
// of active.
func NewWeeklySummary(patientID string, active []medication.ActiveMedication, events []medication.Administration, today calendar.Day) WeeklySummary {
	mine := medication.EventsForPatient(events, patientID)
	w := LastNDays(today, weekDays)
	byDay := takenByDay(mine, w)

	summary := WeeklySummary{
		PatientID:   patientID,
		Days:        make([]DayTally, 0, weekDays),
		MissedByDay: make(map[calendar.Day]int, weekDays),
	}
	misses := make([]int, len(active))

	for _, d := range calendar.Range(w.Start, w.End) {
		set := byDay[d]
		taken := 0
		for i, m := range active {
			if set != nil && set.Contains(m.Key) {
				taken++
			} else {
				misses[i]++
			}
		}
		tally := DayTally{
			Day:      d,
			Taken:    taken,
			Expected: len(active),
			Missed:   len(active) - taken,
		}
		if tally.Expected > 0 {
			tally.Percent = float64(taken) / float64(tally.Expected) * 100
		}
		summary.Days = append(summary.Days, tally)
		summary.MissedByDay[d] = tally.Missed
		summary.TotalTaken += taken
		summary.TotalExpected += len(active)
	}

	summary.MostMissed = make([]MissCount, 0, len(active))
	for i, m := range active {
		summary.MostMissed = append(summary.MostMissed, MissCount{Medication: m, Missed: misses[i]})
	}
	sort.SliceStable(summary.MostMissed, func(i, j int) bool {
		return summary.MostMissed[i].Missed > summary.MostMissed[j].Missed
	})
	return summary
}

// DailyPercentages returns the per-day percentages, oldest first.
func (s WeeklySummary) DailyPercentages() []float64 {
	out := make([]float64, len(s.Days))
	for i, d := range s.Days {
		out[i] = d.Percent
	}
	return out
}

// AveragePercent is TotalTaken/TotalExpected*100, or 0 when nothing was expected.
func (s WeeklySummary) AveragePercent() float64 {
	if s.TotalExpected == 0 {
		return 0
	}
	return float64(s.TotalTaken) / float64(s.TotalExpected) * 100
}

// Weekdays in the order patterns are reported and ties are broken.
var Weekdays = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// DayOfWeekPattern returns, per weekday, the percentage of expected doses
// missed over the last lookbackDays. A weekday with nothing expected has a
// rate of 0.
func DayOfWeekPattern(active []medication.ActiveMedication, events []medication.Administration, lookbackDays int, today calendar.Day) WeekdayRates {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	w := LastNDays(today, lookbackDays)
	byDay := takenByDay(events, w)

	expected := make(map[time.Weekday]int, 7)
	taken := make(map[time.Weekday]int, 7)
	for _, d := range calendar.Range(w.Start, w.End) {
		wd := d.Weekday()
		set := byDay[d]
		for _, m := range active {
			expected[wd]++
			if set != nil && set.Contains(m.Key) {
				taken[wd]++
			}
		}
	}

	rates := make(WeekdayRates, 7)
	for _, wd := range Weekdays {
		if expected[wd] == 0 {
			rates[wd] = 0
			continue
		}
		rates[wd] = float64(expected[wd]-taken[wd]) / float64(expected[wd]) * 100
	}
	return rates
}

// PatternAlertThreshold is the miss rate above which a weekday is flagged.
const PatternAlertThreshold = 15.0

// WorstWeekday returns the weekday with the highest miss rate when that rate
// exceeds threshold. Ties go to the earlier weekday, Monday first.
func WorstWeekday(pattern WeekdayRates, threshold float64) (time.Weekday, float64, bool) {
	worst, worstRate, found := time.Monday, -1.0, false
	for _, wd := range Weekdays {
		rate, ok := pattern[wd]
		if !ok {
			continue
		}
		if !found || rate > worstRate {
			worst, worstRate, found = wd, rate, true
		}
	}
	if !found || worstRate <= threshold {
		return worst, worstRate, false
	}
	return worst, worstRate, true
}
