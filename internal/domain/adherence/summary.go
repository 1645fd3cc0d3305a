package adherence

import (
	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Streak counts consecutive 100% days walking back from the most recent
// entry of dailyPercentages (ordered oldest to newest).
func Streak(dailyPercentages []float64) int {
	streak := 0
	for i := len(dailyPercentages) - 1; i >= 0; i-- {
		if dailyPercentages[i] < 100 {
			break
		}
		streak++
	}
	return streak
}

// BestDay returns the first day with the highest percentage.
func BestDay(days []DayTally) (DayTally, bool) {
	if len(days) == 0 {
		return DayTally{}, false
	}
	best := days[0]
	for _, d := range days[1:] {
		if d.Percent > best.Percent {
			best = d
		}
	}
	return best, true
}

// WorstDay returns the first day with the lowest percentage.
func WorstDay(days []DayTally) (DayTally, bool) {
	if len(days) == 0 {
		return DayTally{}, false
	}
	worst := days[0]
	for _, d := range days[1:] {
		if d.Percent < worst.Percent {
			worst = d
		}
	}
	return worst, true
}

// Band buckets a percentage for display.
type Band string

const (
	BandGood Band = "good"
	BandFair Band = "fair"
	BandPoor Band = "poor"
)

// BandFor returns good from 80%, fair from 50%, poor below.
func BandFor(percent float64) Band {
	switch {
	case percent >= 80:
		return BandGood
	case percent >= 50:
		return BandFair
	default:
		return BandPoor
	}
}

// MedicationTally is one medication's taken and missed days over the week.
type MedicationTally struct {
	Medication medication.ActiveMedication `json:"medication"`
	Taken      int                         `json:"taken"`
	Missed     int                         `json:"missed"`
}

// Summary is the derived adherence view for one patient. It is never stored.
type Summary struct {
	PatientID     string             `json:"patientId"`
	Today         calendar.Day       `json:"today"`
	Rates         map[Period]float64 `json:"rates"`
	Week          WeeklySummary      `json:"week"`
	Medications   []MedicationTally  `json:"medications"`
	BestDay       *DayTally          `json:"bestDay,omitempty"`
	WorstDay      *DayTally          `json:"worstDay,omitempty"`
	Streak        int                `json:"streak"`
	Average       float64            `json:"averagePercent"`
	Pattern       WeekdayRates       `json:"weekdayMissRates"`
	PatternAlert  *WeekdayAlert      `json:"weekdayAlert,omitempty"`
	TodayStatuses []TodayStatus      `json:"todayStatus"`
}

// Summarize assembles the full adherence view for patientID. active and
// events may contain other patients' rows; they are filtered here.
func Summarize(patientID string, active []medication.ActiveMedication, events []medication.Administration, today calendar.Day, lookbackDays int) Summary {
	meds := medication.ForPatient(active, patientID)
	mine := medication.EventsForPatient(events, patientID)

	week := NewWeeklySummary(patientID, meds, mine, today)
	s := Summary{
		PatientID: patientID,
		Today:     today,
		Rates: map[Period]float64{
			PeriodDaily:   Rate(meds, mine, Daily(today), today),
			PeriodWeekly:  Rate(meds, mine, Weekly(today), today),
			PeriodMonthly: Rate(meds, mine, Monthly(today), today),
		},
		Week:          week,
		Streak:        Streak(week.DailyPercentages()),
		Average:       week.AveragePercent(),
		Pattern:       DayOfWeekPattern(meds, mine, lookbackDays, today),
		TodayStatuses: TakenToday(meds, mine, today),
	}

	for _, mc := range week.MostMissed {
		s.Medications = append(s.Medications, MedicationTally{
			Medication: mc.Medication,
			Taken:      weekDays - mc.Missed,
			Missed:     mc.Missed,
		})
	}
	if best, ok := BestDay(week.Days); ok {
		s.BestDay = &best
	}
	if worst, ok := WorstDay(week.Days); ok {
		s.WorstDay = &worst
	}
	if wd, rate, ok := WorstWeekday(s.Pattern, PatternAlertThreshold); ok {
		s.PatternAlert = &WeekdayAlert{Weekday: wd, MissRate: rate}
	}
	return s
}
