// Package r4 provides the FHIR R4 record shapes stored in the adherence event log.
package r4

// Resource types recognised in the event log.
const (
	ResourceMedicationAdministration = "MedicationAdministration"
	ResourceMedicationRequest        = "MedicationRequest"
	ResourceOperationOutcome         = "OperationOutcome"
)

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeIn returns the code of the first coding from system, or "".
func (c *CodeableConcept) CodeIn(system string) string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if coding.System == system {
			return coding.Code
		}
	}
	return ""
}

// FirstDisplay returns the display of the first coding that has one.
func (c *CodeableConcept) FirstDisplay() string {
	if c == nil {
		return ""
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	return ""
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID extracts the trailing id of a reference like "Patient/123" or "urn:uuid:123".
func (r *Reference) ID() string {
	if r == nil {
		return ""
	}
	return extractIDFromReference(r.Reference)
}

// GetReference returns the raw reference string, "" for a nil reference.
func (r *Reference) GetReference() string {
	if r == nil {
		return ""
	}
	return r.Reference
}

// PatientReference builds a "Patient/<id>" reference.
func PatientReference(patientID string) *Reference {
	return &Reference{Reference: "Patient/" + patientID}
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Time         string `json:"time,omitempty"`
	Text         string `json:"text"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"` // fatal | error | warning | information
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: ResourceOperationOutcome,
		Issue: []OperationOutcomeIssue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// Common code systems
const (
	SystemRxNorm             = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemSNOMED             = "http://snomed.info/sct"
	SystemReasonGiven        = "http://terminology.hl7.org/CodeSystem/reason-medication-given"
	SystemRequestCategory    = "http://terminology.hl7.org/CodeSystem/medicationrequest-category"
	ProfileUSCoreMedRequest  = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest"
	DefaultPractitionerRef   = "Practitioner/example"
	SelfAdministeredReasonTx = "Self-administered medication"
)

// Medication request statuses
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
)

// Medication administration statuses
const (
	StatusCompleted = "completed"
)

// IntentOrder is the only request intent this system writes.
const IntentOrder = "order"

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
