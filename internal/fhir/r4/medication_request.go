package r4

import "encoding/json"

// MedicationRequest is a medication order as stored in the request log.
// Only the fields the tracker reads or writes are modelled; unknown fields
// survive a whole-file rewrite because the stores keep raw lines.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	// active | stopped (other FHIR statuses are treated as not active)
	Status string `json:"status"`
	Intent string `json:"intent,omitempty"`

	Category []CodeableConcept `json:"category,omitempty"`

	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`

	Subject   Reference  `json:"subject"`
	Encounter *Reference `json:"encounter,omitempty"`

	// Kept as text: the log carries both zoned and naive ISO-8601 values.
	AuthoredOn string `json:"authoredOn,omitempty"`

	Requester *Reference `json:"requester,omitempty"`

	ReasonCode []CodeableConcept `json:"reasonCode,omitempty"`

	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`

	Note []Annotation `json:"note,omitempty"`
}

// Dosage contains the free-text dosage instruction.
type Dosage struct {
	Sequence           int    `json:"sequence,omitempty"`
	Text               string `json:"text,omitempty"`
	PatientInstruction string `json:"patientInstruction,omitempty"`
	AsNeededBoolean    bool   `json:"asNeededBoolean,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	return m.Subject.ID()
}

// GetRxNorm extracts the RxNorm code from the medication.
func (m *MedicationRequest) GetRxNorm() string {
	return m.MedicationCodeableConcept.CodeIn(SystemRxNorm)
}

// GetMedicationText returns medicationCodeableConcept.text.
func (m *MedicationRequest) GetMedicationText() string {
	if m.MedicationCodeableConcept == nil {
		return ""
	}
	return m.MedicationCodeableConcept.Text
}

// GetMedicationDisplay returns a human label: the text, else a coding display.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if text := m.GetMedicationText(); text != "" {
		return text
	}
	return m.MedicationCodeableConcept.FirstDisplay()
}

// GetPrescriber returns the requester's display name.
func (m *MedicationRequest) GetPrescriber() string {
	if m.Requester == nil {
		return ""
	}
	return m.Requester.Display
}

// GetSigText returns the first dosage instruction text.
func (m *MedicationRequest) GetSigText() string {
	if len(m.DosageInstruction) > 0 {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// IsActive reports whether the order is currently prescribed.
func (m *MedicationRequest) IsActive() bool {
	return m.Status == StatusActive
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	return json.Unmarshal(data, m)
}
