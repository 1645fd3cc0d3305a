package dose

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// CatalogEntry describes a medication to backfill and how often it is taken.
type CatalogEntry struct {
	Name      string
	Code      string
	PatientID string
	Encounter string
	Reasons   []r4.CodeableConcept
	// Frequency is the share of days the medication is taken.
	Frequency float64
	// Scheduled medications are always taken when the range is a single day;
	// the rest are taken with probability asNeededSingleDay.
	Scheduled bool
}

// Medication returns the order view of e used to build records.
func (e CatalogEntry) Medication() medication.ActiveMedication {
	ref := medication.Reference{Code: e.Code, DisplayText: e.Name}
	return medication.ActiveMedication{
		Ref:       ref,
		Key:       ref.Key(),
		Name:      e.Name,
		PatientID: e.PatientID,
		Status:    r4.StatusActive,
		Encounter: e.Encounter,
		Reasons:   e.Reasons,
	}
}

// DateRange is an inclusive span of days.
type DateRange struct {
	Start calendar.Day
	End   calendar.Day
}

// Span returns the number of days in r.
func (r DateRange) Span() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.Since(r.Start) + 1
}

// Backfill periods accepted by RangeFor.
const (
	PeriodToday = "today"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"
)

// RangeFor maps a backfill period to its date range ending today. "all" is
// the last 90 days.
func RangeFor(period string, today calendar.Day) (DateRange, error) {
	switch strings.ToLower(period) {
	case PeriodToday:
		return DateRange{Start: today, End: today}, nil
	case PeriodWeek:
		return DateRange{Start: today.AddDays(-6), End: today}, nil
	case PeriodMonth:
		return DateRange{Start: today.FirstOfMonth(), End: today}, nil
	case PeriodAll, "":
		return DateRange{Start: today.AddDays(-89), End: today}, nil
	default:
		return DateRange{}, fmt.Errorf("unknown period %q", period)
	}
}

// GenerationLine reports the outcome for one catalog entry.
type GenerationLine struct {
	Medication string `json:"medication"`
	Target     int    `json:"target"`
	Created    int    `json:"created"`
	Skipped    int    `json:"skipped"`
}

// GenerationReport is the result of Generate.
type GenerationReport struct {
	// Records are the new events ordered by effective time.
	Records []*r4.MedicationAdministration
	Lines   []GenerationLine
}

// Created returns the number of new records.
func (r GenerationReport) Created() int { return len(r.Records) }

// Skipped returns the number of candidates dropped as duplicates.
func (r GenerationReport) Skipped() int {
	n := 0
	for _, l := range r.Lines {
		n += l.Skipped
	}
	return n
}

const (
	candidateBuffer   = 1.5
	asNeededSingleDay = 0.3
	firstHour         = 6
	lastHour          = 22
)

// Generate synthesizes administration events for every catalog entry over
// dates. It never produces a second event for a patient, medication and day
// already present in existing or generated earlier in the same run.
func Generate(catalog []CatalogEntry, dates DateRange, existing []*r4.MedicationAdministration, rng *rand.Rand, loc *time.Location) GenerationReport {
	if loc == nil {
		loc = time.Local
	}
	taken := make(map[string]struct{})
	for _, a := range medication.Administrations(existing) {
		if a.Dated() && !a.Key.Unmatched() {
			taken[idempotency.DoseKey(a.PatientID, string(a.Key), a.Day.String())] = struct{}{}
		}
	}

	span := dates.Span()
	var report GenerationReport
	for _, entry := range catalog {
		med := entry.Medication()
		line := GenerationLine{Medication: entry.Name, Target: targetCount(entry, span, rng)}

		claim := func(at time.Time) bool {
			key := idempotency.DoseKey(entry.PatientID, string(med.Key), calendar.Of(at).String())
			if _, dup := taken[key]; dup {
				return false
			}
			taken[key] = struct{}{}
			report.Records = append(report.Records, NewRecord(uuid.NewString(), med, entry.PatientID, at))
			line.Created++
			return true
		}

		if line.Target > 0 && !med.Key.Unmatched() {
			for _, at := range candidateTimes(dates, int(float64(line.Target)*candidateBuffer), rng, loc) {
				if line.Created >= line.Target {
					break
				}
				if !claim(at) {
					line.Skipped++
				}
			}
			// Fall back to the days the buffered draw missed.
			if line.Created < line.Target {
				for _, i := range rng.Perm(span) {
					if line.Created >= line.Target {
						break
					}
					claim(randomTimeOn(dates.Start.AddDays(i), rng, loc, false))
				}
			}
		}
		report.Lines = append(report.Lines, line)
	}

	sort.SliceStable(report.Records, func(i, j int) bool {
		return report.Records[i].EffectiveDateTime < report.Records[j].EffectiveDateTime
	})
	return report
}

func targetCount(entry CatalogEntry, span int, rng *rand.Rand) int {
	switch {
	case span <= 0:
		return 0
	case span == 1:
		if entry.Scheduled || rng.Float64() < asNeededSingleDay {
			return 1
		}
		return 0
	}
	n := int(float64(span) * entry.Frequency)
	if n == 0 {
		n = 1
	}
	return n
}

// candidateTimes draws n instants in dates. Spans longer than a week put 60%
// of draws in the most recent third, 30% in the middle third and 10% in the
// oldest third.
func candidateTimes(dates DateRange, n int, rng *rand.Rand, loc *time.Location) []time.Time {
	span := dates.Span()
	if span <= 0 || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	draw := func(count, minAgo, maxAgo int) {
		if maxAgo > span-1 {
			maxAgo = span - 1
		}
		if minAgo > maxAgo {
			minAgo = maxAgo
		}
		for i := 0; i < count; i++ {
			ago := minAgo + rng.Intn(maxAgo-minAgo+1)
			out = append(out, randomTimeOn(dates.End.AddDays(-ago), rng, loc, span == 1))
		}
	}

	switch {
	case span <= 7:
		draw(n, 0, span-1)
	default:
		recent := span / 3
		if recent < 1 {
			recent = 1
		}
		draw(int(float64(n)*0.6), 0, recent)
		draw(int(float64(n)*0.3), recent+1, 2*recent)
		draw(int(float64(n)*0.1), 2*recent+1, span-1)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func randomTimeOn(d calendar.Day, rng *rand.Rand, loc *time.Location, withSeconds bool) time.Time {
	hour := firstHour + rng.Intn(lastHour-firstHour+1)
	minute := rng.Intn(60)
	sec := 0
	if withSeconds {
		sec = rng.Intn(60)
	}
	return d.At(hour, minute, sec, loc)
}
