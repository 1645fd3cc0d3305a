package r4

import "encoding/json"

// MedicationAdministration records one dose taken by a patient.
type MedicationAdministration struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Status       string `json:"status,omitempty"`

	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`

	Subject *Reference `json:"subject,omitempty"`
	Context *Reference `json:"context,omitempty"`

	// Raw ISO-8601 text; parsing happens at ingestion so a bad value only
	// drops this record from aggregation.
	EffectiveDateTime string `json:"effectiveDateTime,omitempty"`

	ReasonCode []CodeableConcept `json:"reasonCode,omitempty"`
	Performer  []Performer       `json:"performer,omitempty"`
}

// Performer identifies who administered the dose.
type Performer struct {
	Actor Reference `json:"actor"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationAdministration) GetPatientID() string {
	return m.Subject.ID()
}

// GetRxNorm extracts the RxNorm code from the medication.
func (m *MedicationAdministration) GetRxNorm() string {
	return m.MedicationCodeableConcept.CodeIn(SystemRxNorm)
}

// GetMedicationText returns medicationCodeableConcept.text.
func (m *MedicationAdministration) GetMedicationText() string {
	if m.MedicationCodeableConcept == nil {
		return ""
	}
	return m.MedicationCodeableConcept.Text
}

// SelfAdministeredReason is the reason written when the order carries none.
func SelfAdministeredReason() []CodeableConcept {
	return []CodeableConcept{{
		Coding: []Coding{{
			System:  SystemReasonGiven,
			Code:    "b",
			Display: "Given as Ordered",
		}},
		Text: SelfAdministeredReasonTx,
	}}
}

// ToJSON serializes the MedicationAdministration to JSON.
func (m *MedicationAdministration) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationAdministration from JSON.
func (m *MedicationAdministration) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}

// Envelope peeks at the resource type of a raw log line.
type Envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
}
