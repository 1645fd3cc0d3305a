package medication

import (
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
)

// Placeholders shown when an order omits optional fields.
const (
	UnknownMedication = "Unknown"
	UnspecifiedDosage = "Dosage not specified"
	UnknownPrescriber = "Unknown Prescriber"
	UnknownDate       = "Unknown Date"
)

// ActiveMedication is a prescription order resolved at ingestion.
type ActiveMedication struct {
	Ref           Reference `json:"ref"`
	Key           Key       `json:"key"`
	Name          string    `json:"name"`
	DosageText    string    `json:"dosageText"`
	Prescriber    string    `json:"prescriber"`
	EffectiveDate string    `json:"effectiveDate"`
	RequestID     string    `json:"requestId"`
	PatientID     string    `json:"patientId"`
	Status        string    `json:"status"`

	// Carried onto dose records written for this order.
	Encounter string               `json:"encounter,omitempty"`
	Reasons   []r4.CodeableConcept `json:"reasons,omitempty"`
}

// MedicationRef implements Resolvable.
func (m ActiveMedication) MedicationRef() Reference { return m.Ref }

// Administration is a dose event resolved at ingestion.
type Administration struct {
	ID          string    `json:"id"`
	Ref         Reference `json:"ref"`
	Key         Key       `json:"key"`
	PatientID   string    `json:"patientId"`
	Status      string    `json:"status"`
	EffectiveAt time.Time `json:"effectiveAt"`
	// Day is zero when the timestamp could not be parsed.
	Day calendar.Day `json:"day"`
}

// MedicationRef implements Resolvable.
func (a Administration) MedicationRef() Reference { return a.Ref }

// Dated reports whether the event has a usable timestamp.
func (a Administration) Dated() bool { return !a.Day.IsZero() }

// FromRequest resolves a MedicationRequest into an ActiveMedication. The
// status is copied as-is; callers split active from stopped.
func FromRequest(req *r4.MedicationRequest) ActiveMedication {
	ref := Reference{
		Code:        req.GetRxNorm(),
		DisplayText: req.GetMedicationText(),
	}
	name := req.GetMedicationDisplay()
	if name == "" {
		name = UnknownMedication
	}
	return ActiveMedication{
		Ref:           ref,
		Key:           ref.Key(),
		Name:          name,
		DosageText:    orDefault(req.GetSigText(), UnspecifiedDosage),
		Prescriber:    orDefault(req.GetPrescriber(), UnknownPrescriber),
		EffectiveDate: orDefault(req.AuthoredOn, UnknownDate),
		RequestID:     req.ID,
		PatientID:     req.GetPatientID(),
		Status:        req.Status,
		Encounter:     req.Encounter.GetReference(),
		Reasons:       req.ReasonCode,
	}
}

// FromAdministration resolves a MedicationAdministration. An unparseable
// timestamp yields an undated event rather than an error.
func FromAdministration(rec *r4.MedicationAdministration) Administration {
	ref := Reference{
		Code:        rec.GetRxNorm(),
		DisplayText: rec.GetMedicationText(),
	}
	a := Administration{
		ID:        rec.ID,
		Ref:       ref,
		Key:       ref.Key(),
		PatientID: rec.GetPatientID(),
		Status:    rec.Status,
	}
	if ts, ok := ParseTimestamp(rec.EffectiveDateTime); ok {
		a.EffectiveAt = ts
		a.Day = calendar.Of(ts)
	}
	return a
}

// SplitByStatus resolves requests and separates active orders from the rest.
// Records that are not MedicationRequests are skipped.
func SplitByStatus(reqs []*r4.MedicationRequest) (active, stopped []ActiveMedication) {
	for _, req := range reqs {
		if req == nil || req.ResourceType != r4.ResourceMedicationRequest {
			continue
		}
		med := FromRequest(req)
		if req.IsActive() {
			active = append(active, med)
		} else {
			stopped = append(stopped, med)
		}
	}
	return active, stopped
}

// Administrations resolves a batch of administration records, skipping other
// resource types.
func Administrations(recs []*r4.MedicationAdministration) []Administration {
	out := make([]Administration, 0, len(recs))
	for _, rec := range recs {
		if rec == nil || rec.ResourceType != r4.ResourceMedicationAdministration {
			continue
		}
		out = append(out, FromAdministration(rec))
	}
	return out
}

// ForPatient keeps the medications prescribed to patientID.
func ForPatient(meds []ActiveMedication, patientID string) []ActiveMedication {
	out := make([]ActiveMedication, 0, len(meds))
	for _, m := range meds {
		if m.PatientID == patientID {
			out = append(out, m)
		}
	}
	return out
}

// EventsForPatient keeps the events whose subject is patientID.
func EventsForPatient(events []Administration, patientID string) []Administration {
	out := make([]Administration, 0, len(events))
	for _, e := range events {
		if e.PatientID == patientID {
			out = append(out, e)
		}
	}
	return out
}

// FindByKey returns the first medication with key k.
func FindByKey(meds []ActiveMedication, k Key) (ActiveMedication, bool) {
	for _, m := range meds {
		if m.Key == k {
			return m, true
		}
	}
	return ActiveMedication{}, false
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
