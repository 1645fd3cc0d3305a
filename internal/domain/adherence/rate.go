package adherence

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// KeySet is a set of resolved medication keys.
type KeySet = mapset.Set[medication.Key]

func newKeySet() KeySet {
	return mapset.NewThreadUnsafeSet[medication.Key]()
}

// ExpectedKeys returns the distinct keys of the active medications. The empty
// key is kept: a medication without identity is expected but never taken.
func ExpectedKeys(active []medication.ActiveMedication) KeySet {
	keys := newKeySet()
	for _, m := range active {
		keys.Add(m.Key)
	}
	return keys
}

// DailyTakenSet returns the keys of events dated day. Undated events and
// events without identity are ignored.
func DailyTakenSet(events []medication.Administration, day calendar.Day) KeySet {
	taken := newKeySet()
	for _, e := range events {
		if !e.Dated() || e.Key.Unmatched() || e.Day != day {
			continue
		}
		taken.Add(e.Key)
	}
	return taken
}

// takenByDay maps each day in w to the keys taken that day. Days without a
// credited event are absent. Same-day duplicates collapse.
func takenByDay(events []medication.Administration, w Window) map[calendar.Day]KeySet {
	byDay := make(map[calendar.Day]KeySet)
	for _, e := range events {
		if !e.Dated() || e.Key.Unmatched() || !w.Contains(e.Day) {
			continue
		}
		set, ok := byDay[e.Day]
		if !ok {
			set = newKeySet()
			byDay[e.Day] = set
		}
		set.Add(e.Key)
	}
	return byDay
}

func dataSpan(byDay map[calendar.Day]KeySet) (earliest, latest calendar.Day) {
	first := true
	for d := range byDay {
		if first {
			earliest, latest = d, d
			first = false
			continue
		}
		earliest = calendar.Min(earliest, d)
		latest = calendar.Max(latest, d)
	}
	return earliest, latest
}

// Rate returns the share of expected doses taken over w, in [0, 1].
//
// With no active medications the rate is 1. If every expected medication
// was taken today and today either opens the window's natural period or is
// the only day with data, the rate is 1 regardless of earlier days. Otherwise
// the window is narrowed to the span of days that have data, so days before
// tracking began are not counted as missed.
func Rate(active []medication.ActiveMedication, events []medication.Administration, w Window, today calendar.Day) float64 {
	if len(active) == 0 {
		return 1.0
	}

	expected := ExpectedKeys(active)
	w = w.clamp(today)
	byDay := takenByDay(events, w)

	if takenToday, ok := byDay[today]; ok && takenToday.IsSuperset(expected) {
		onlyToday := len(byDay) == 1
		if w.startsNaturalPeriod(today) || onlyToday {
			return 1.0
		}
	}

	start, end := w.Start, w.End
	if len(byDay) > 0 {
		earliest, latest := dataSpan(byDay)
		start = calendar.Max(start, earliest)
		end = calendar.Min(end, latest)
	}

	days := calendar.Range(start, end)
	expectedCount := len(days) * expected.Cardinality()
	if expectedCount == 0 {
		return 1.0
	}

	takenCount := 0
	for _, d := range days {
		if set, ok := byDay[d]; ok {
			takenCount += expected.Intersect(set).Cardinality()
		}
	}

	return float64(takenCount) / float64(expectedCount)
}

// TodayStatus pairs an active medication with whether it was taken today.
type TodayStatus struct {
	Medication medication.ActiveMedication `json:"medication"`
	Taken      bool                        `json:"taken"`
}

// TakenToday projects today's taken flags from the event snapshot, in the
// order of the active list.
func TakenToday(active []medication.ActiveMedication, events []medication.Administration, today calendar.Day) []TodayStatus {
	taken := DailyTakenSet(events, today)
	out := make([]TodayStatus, 0, len(active))
	for _, m := range active {
		out = append(out, TodayStatus{Medication: m, Taken: taken.Contains(m.Key)})
	}
	return out
}

// PendingToday returns the active medications not yet taken today.
func PendingToday(active []medication.ActiveMedication, events []medication.Administration, today calendar.Day) []medication.ActiveMedication {
	var pending []medication.ActiveMedication
	for _, s := range TakenToday(active, events, today) {
		if !s.Taken {
			pending = append(pending, s.Medication)
		}
	}
	return pending
}
