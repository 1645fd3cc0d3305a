package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
)

// NewOrder describes a medication order entered by the patient.
type NewOrder struct {
	Name       string `json:"name"`
	RxNormCode string `json:"rxnormCode"`
	Dosage     string `json:"dosage"`
	Prescriber string `json:"prescriber"`
	// Status is active or stopped; empty means active.
	Status string `json:"status"`
}

// Validate checks that the order carries a usable identity and status.
func (o NewOrder) Validate() error {
	if strings.TrimSpace(o.Name) == "" && strings.TrimSpace(o.RxNormCode) == "" {
		return fmt.Errorf("%w: medication name or RxNorm code is required", ErrInvalidInput)
	}
	if _, err := normalizeStatus(o.Status); err != nil {
		return err
	}
	return nil
}

// OrderPatch edits an existing order. Nil fields are left unchanged.
type OrderPatch struct {
	Name       *string `json:"name,omitempty"`
	RxNormCode *string `json:"rxnormCode,omitempty"`
	Dosage     *string `json:"dosage,omitempty"`
	Prescriber *string `json:"prescriber,omitempty"`
	Status     *string `json:"status,omitempty"`
}

func normalizeStatus(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", r4.StatusActive:
		return r4.StatusActive, nil
	case r4.StatusStopped:
		return r4.StatusStopped, nil
	default:
		return "", fmt.Errorf("%w: status must be %q or %q", ErrInvalidInput, r4.StatusActive, r4.StatusStopped)
	}
}

// buildRequest turns an order into a community MedicationRequest for patientID.
func buildRequest(o NewOrder, patientID string, authoredOn time.Time) *r4.MedicationRequest {
	status, _ := normalizeStatus(o.Status)
	name := strings.TrimSpace(o.Name)
	code := strings.TrimSpace(o.RxNormCode)

	concept := &r4.CodeableConcept{Text: name}
	if code != "" {
		concept.Coding = []r4.Coding{{System: r4.SystemRxNorm, Code: code, Display: name}}
	}

	req := &r4.MedicationRequest{
		ResourceType: r4.ResourceMedicationRequest,
		ID:           uuid.NewString(),
		Meta:         &r4.Meta{Profile: []string{r4.ProfileUSCoreMedRequest}},
		Status:       status,
		Intent:       r4.IntentOrder,
		Category: []r4.CodeableConcept{{
			Coding: []r4.Coding{{System: r4.SystemRequestCategory, Code: "community", Display: "Community"}},
			Text:   "Community",
		}},
		MedicationCodeableConcept: concept,
		Subject:                   *r4.PatientReference(patientID),
		AuthoredOn:                medication.FormatTimestamp(authoredOn),
		Requester:                 &r4.Reference{Reference: r4.DefaultPractitionerRef, Display: strings.TrimSpace(o.Prescriber)},
	}
	if dosage := strings.TrimSpace(o.Dosage); dosage != "" {
		req.DosageInstruction = []r4.Dosage{{Text: dosage}}
	}
	return req
}

// applyPatch edits req in place.
func applyPatch(req *r4.MedicationRequest, p OrderPatch) error {
	if p.Status != nil {
		status, err := normalizeStatus(*p.Status)
		if err != nil {
			return err
		}
		req.Status = status
	}
	if p.Name != nil || p.RxNormCode != nil {
		if req.MedicationCodeableConcept == nil {
			req.MedicationCodeableConcept = &r4.CodeableConcept{}
		}
		c := req.MedicationCodeableConcept
		if p.Name != nil {
			c.Text = strings.TrimSpace(*p.Name)
		}
		code := c.CodeIn(r4.SystemRxNorm)
		if p.RxNormCode != nil {
			code = strings.TrimSpace(*p.RxNormCode)
		}
		kept := c.Coding[:0]
		for _, coding := range c.Coding {
			if coding.System != r4.SystemRxNorm {
				kept = append(kept, coding)
			}
		}
		c.Coding = kept
		if code != "" {
			c.Coding = append([]r4.Coding{{System: r4.SystemRxNorm, Code: code, Display: c.Text}}, c.Coding...)
		}
		if c.Text == "" && code == "" {
			return fmt.Errorf("%w: medication name or RxNorm code is required", ErrInvalidInput)
		}
	}
	if p.Dosage != nil {
		dosage := strings.TrimSpace(*p.Dosage)
		switch {
		case dosage == "":
			req.DosageInstruction = nil
		case len(req.DosageInstruction) == 0:
			req.DosageInstruction = []r4.Dosage{{Text: dosage}}
		default:
			req.DosageInstruction[0].Text = dosage
		}
	}
	if p.Prescriber != nil {
		if req.Requester == nil {
			req.Requester = &r4.Reference{Reference: r4.DefaultPractitionerRef}
		}
		req.Requester.Display = strings.TrimSpace(*p.Prescriber)
	}
	return nil
}
