package reminder

import (
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/service/tracker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Kind tags a broker message.
type Kind string

const (
	KindDoseReminder Kind = "ReminderDue"
	KindWeeklyDigest Kind = "WeeklySummary"
)

// digestTopMissed is how many medications a digest lists as most missed.
const digestTopMissed = 3

// PendingDose is a medication not yet taken today.
type PendingDose struct {
	Key    medication.Key `json:"key"`
	Name   string         `json:"name"`
	Dosage string         `json:"dosage"`
}

// DoseReminder asks the patient to take their pending medications.
type DoseReminder struct {
	// ID is stable for a patient, day and slot so consumers can drop
	// redelivered messages.
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	PatientID string        `json:"patientId"`
	Day       calendar.Day  `json:"day"`
	SendTime  string        `json:"sendTime"`
	Pending   []PendingDose `json:"pending"`
	CreatedAt time.Time     `json:"createdAt"`
}

// MissedMedication is one line of a digest's most-missed list.
type MissedMedication struct {
	Name   string `json:"name"`
	Missed int    `json:"missedDays"`
}

// WeeklyDigest summarises the week ending on WeekEnding.
type WeeklyDigest struct {
	ID             string               `json:"id"`
	Kind           Kind                 `json:"kind"`
	PatientID      string               `json:"patientId"`
	WeekEnding     calendar.Day         `json:"weekEnding"`
	TotalTaken     int                  `json:"totalTaken"`
	TotalExpected  int                  `json:"totalExpected"`
	AveragePercent float64              `json:"averagePercent"`
	Streak         int                  `json:"streak"`
	TopMissed      []MissedMedication   `json:"topMissed"`
	MissedByDay    map[calendar.Day]int `json:"missedByDay"`
	Band           adherence.Band       `json:"band"`
	Days           []adherence.DayTally `json:"days"`
}

// patients returns the distinct patient IDs of the active orders in order of
// first appearance.
func patients(snap tracker.Snapshot) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range snap.Active {
		if m.PatientID != "" && !seen[m.PatientID] {
			seen[m.PatientID] = true
			ids = append(ids, m.PatientID)
		}
	}
	return ids
}

// PlanDoseReminders returns one reminder per patient who still has active
// medications to take today. Patients with nothing pending get none.
func PlanDoseReminders(snap tracker.Snapshot, at TimeOfDay, now time.Time) []DoseReminder {
	var out []DoseReminder
	for _, id := range patients(snap) {
		mine := snap.ForPatient(id)
		pending := adherence.PendingToday(mine.Active, mine.Events, snap.Today)
		if len(pending) == 0 {
			continue
		}
		r := DoseReminder{
			ID:        idempotency.DoseKey(id, string(KindDoseReminder)+"@"+at.String(), snap.Today.String()),
			Kind:      KindDoseReminder,
			PatientID: id,
			Day:       snap.Today,
			SendTime:  at.String(),
			CreatedAt: now,
		}
		for _, m := range pending {
			r.Pending = append(r.Pending, PendingDose{Key: m.Key, Name: m.Name, Dosage: m.DosageText})
		}
		out = append(out, r)
	}
	return out
}

// PlanWeeklyDigests returns a digest for every patient with active orders.
func PlanWeeklyDigests(snap tracker.Snapshot) []WeeklyDigest {
	var out []WeeklyDigest
	for _, id := range patients(snap) {
		mine := snap.ForPatient(id)
		week := adherence.NewWeeklySummary(id, mine.Active, mine.Events, snap.Today)
		if week.TotalExpected == 0 {
			continue
		}
		d := WeeklyDigest{
			ID:             idempotency.DoseKey(id, string(KindWeeklyDigest), snap.Today.String()),
			Kind:           KindWeeklyDigest,
			PatientID:      id,
			WeekEnding:     snap.Today,
			TotalTaken:     week.TotalTaken,
			TotalExpected:  week.TotalExpected,
			AveragePercent: week.AveragePercent(),
			Streak:         adherence.Streak(week.DailyPercentages()),
			MissedByDay:    week.MissedByDay,
			Band:           adherence.BandFor(week.AveragePercent()),
			Days:           week.Days,
		}
		for i, mc := range week.MostMissed {
			if i == digestTopMissed || mc.Missed == 0 {
				break
			}
			d.TopMissed = append(d.TopMissed, MissedMedication{Name: mc.Medication.Name, Missed: mc.Missed})
		}
		out = append(out, d)
	}
	return out
}
