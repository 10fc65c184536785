package analyzer

import (
	"encoding/json"
	"fmt"
)

// Request is the typed view of the submission payload. The pipeline treats
// the payload as opaque; this type exists for submission validation and for
// the published JSON schema.
type Request struct {
	PatientInfo      PatientInfo `json:"patientInfo" jsonschema:"required"`
	CurrentDiagnoses []Diagnosis `json:"currentDiagnoses" jsonschema:"required"`
}

// PatientInfo identifies the patient the analysis is for
type PatientInfo struct {
	FullName string `json:"fullName,omitempty"`
	MRN      string `json:"mrn,omitempty" jsonschema:"description=medical record number"`
	Age      int    `json:"age,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// Diagnosis is a single diagnosis with its treatment
type Diagnosis struct {
	Name      string    `json:"name,omitempty"`
	Treatment Treatment `json:"treatment"`
}

// Treatment lists the medications prescribed for a diagnosis
type Treatment struct {
	Medications []Medication `json:"medications"`
}

// Medication is a single prescribed medication
type Medication struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
}

// ValidateRequest checks the submission payload before a job is created.
// A rejected payload never creates a job.
func ValidateRequest(body json.RawMessage) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("request body must be JSON: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("request body must be a JSON object: %w", err)
	}
	if _, ok := probe["patientInfo"]; !ok {
		return fmt.Errorf("missing 'patientInfo' field")
	}
	if len(req.CurrentDiagnoses) == 0 {
		return fmt.Errorf("missing or empty 'currentDiagnoses' field")
	}

	for _, d := range req.CurrentDiagnoses {
		if len(d.Treatment.Medications) > 0 {
			return nil
		}
	}
	return fmt.Errorf("no medications found in any diagnosis")
}

// Result is the typed view of the fields medq extracts from the otherwise
// opaque result document: alert flags for the stored record and the per
// medication analyses persisted alongside it.
type Result struct {
	Alerts             Alerts               `json:"alerts"`
	MedicationAnalysis []MedicationAnalysis `json:"medication_analysis"`
}

// Alerts holds critical and warning level findings
type Alerts struct {
	Critical []json.RawMessage `json:"critical"`
	Warnings []json.RawMessage `json:"warnings"`
}

// MedicationAnalysis is the per-medication outcome extracted from the result
type MedicationAnalysis struct {
	Medication struct {
		Name          string `json:"medication_name"`
		Indication    string `json:"indication"`
		SafetyProfile struct {
			Outcome string `json:"outcome"`
		} `json:"safety_profile"`
	} `json:"medication"`
}

// ParseResult extracts the typed fields from a result document. An empty or
// unparsable document yields a zero Result, extraction is best effort.
func ParseResult(result json.RawMessage) Result {
	var res Result
	if len(result) == 0 {
		return res
	}
	_ = json.Unmarshal(result, &res) // opaque documents without the known fields are fine
	return res
}
