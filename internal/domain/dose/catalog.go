package dose

import "github.com/drfirst/go-adherence/internal/fhir/r4"

// DemoPatientID is the patient the sample catalog is written for.
const DemoPatientID = "42ed5c35-3c36-136a-1179-7af73df61d8c"

// DefaultCatalog returns the sample medication list used for backfills,
// assigned to patientID.
func DefaultCatalog(patientID string) []CatalogEntry {
	if patientID == "" {
		patientID = DemoPatientID
	}
	given := r4.SelfAdministeredReason()
	dermatitis := []r4.CodeableConcept{{
		Coding: []r4.Coding{{System: r4.SystemSNOMED, Code: "40275004", Display: "Contact dermatitis (disorder)"}},
		Text:   "Contact dermatitis (disorder)",
	}}

	entry := func(name, code, encounter string, reasons []r4.CodeableConcept, freq float64, scheduled bool) CatalogEntry {
		return CatalogEntry{
			Name:      name,
			Code:      code,
			PatientID: patientID,
			Encounter: "Encounter/" + encounter,
			Reasons:   reasons,
			Frequency: freq,
			Scheduled: scheduled,
		}
	}

	return []CatalogEntry{
		entry("Astemizole 10 MG Oral Tablet", "197378", "2be97abd-2ed1-e59f-c39c-f195662800ed", given, 0.7, true),
		entry("Hydrocortisone 10 MG/ML Topical Cream", "106258", "75122b18-647b-59e0-d23f-d1d8e41fa2e6", dermatitis, 0.1, false),
		entry("Simvastatin 20 MG Oral Tablet", "312961", "afadb6b9-023f-7b75-0713-dcef89186756", given, 0.9, true),
		entry("24 HR metoprolol succinate 100 MG Extended Release Oral Tablet", "866412", "afadb6b9-023f-7b75-0713-dcef89186756", given, 0.9, true),
		entry("Clopidogrel 75 MG Oral Tablet", "309362", "afadb6b9-023f-7b75-0713-dcef89186756", given, 0.9, true),
		entry("Nitroglycerin 0.4 MG/ACTUAT Mucosal Spray", "705129", "afadb6b9-023f-7b75-0713-dcef89186756", given, 0.1, false),
		entry("Acetaminophen 300 MG / Hydrocodone Bitartrate 5 MG Oral Tablet", "856987", "753fde06-26d8-c869-f55d-1f918904720a", given, 0.2, false),
	}
}
