package dose

import (
	"time"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
)

// PerformerPatient is the actor written on self-administered doses.
const PerformerPatient = "Patient"

// NewRecord builds the completed MedicationAdministration for med taken by
// patientID at the given instant. The order's reasons and encounter are
// copied; an order without reasons gets the self-administered reason.
func NewRecord(id string, med medication.ActiveMedication, patientID string, at time.Time) *r4.MedicationAdministration {
	concept := &r4.CodeableConcept{Text: med.Ref.DisplayText}
	if med.Ref.Code != "" {
		display := med.Name
		if display == "" || display == medication.UnknownMedication {
			display = med.Ref.DisplayText
		}
		concept.Coding = []r4.Coding{{
			System:  r4.SystemRxNorm,
			Code:    med.Ref.Code,
			Display: display,
		}}
		if concept.Text == "" {
			concept.Text = display
		}
	}

	reasons := med.Reasons
	if len(reasons) == 0 {
		reasons = r4.SelfAdministeredReason()
	}

	rec := &r4.MedicationAdministration{
		ResourceType:              r4.ResourceMedicationAdministration,
		ID:                        id,
		Status:                    r4.StatusCompleted,
		MedicationCodeableConcept: concept,
		Subject:                   r4.PatientReference(patientID),
		EffectiveDateTime:         medication.FormatTimestamp(at),
		ReasonCode:                reasons,
		Performer:                 []r4.Performer{{Actor: r4.Reference{Display: PerformerPatient}}},
	}
	if med.Encounter != "" {
		rec.Context = &r4.Reference{Reference: med.Encounter}
	}
	return rec
}
