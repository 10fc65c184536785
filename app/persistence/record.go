package persistence

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rxlab/medq/app/analyzer"
	"github.com/rxlab/medq/app/queue"
)

// Record is the durable representation of a job, the main row of
// analysis_results plus the derived medication analyses
type Record struct {
	JobID             string          `json:"job_id"`
	Status            queue.Status    `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         time.Time       `json:"started_at,omitzero"`
	CompletedAt       time.Time       `json:"completed_at,omitzero"`
	ExecutionTime     float64         `json:"execution_time"` // seconds
	InputData         json.RawMessage `json:"input,omitempty"`
	ResultData        json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"error,omitempty"`
	PatientName       string          `json:"patient_name,omitempty"`
	PatientMRN        string          `json:"patient_mrn,omitempty"`
	NumMedications    int             `json:"num_medications"`
	NumDiagnoses      int             `json:"num_diagnoses"`
	HasCriticalAlerts bool            `json:"has_critical_alerts"`
	HasWarnings       bool            `json:"has_warnings"`

	Medications []Medication `json:"-"` // persisted to medication_analyses
}

// Medication is one row of medication_analyses, derived from the result
// payload and destroyed together with its parent record
type Medication struct {
	MedicationName string `db:"medication_name" json:"medication_name"`
	Diagnosis      string `db:"diagnosis" json:"diagnosis"`
	SafetyOutcome  string `db:"safety_outcome" json:"safety_outcome"`
}

// Summary is the trimmed listing row for recency queries, no payloads
type Summary struct {
	JobID             string       `json:"job_id"`
	Status            queue.Status `json:"status"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       time.Time    `json:"completed_at,omitzero"`
	ExecutionTime     float64      `json:"execution_time"`
	PatientName       string       `json:"patient_name,omitempty"`
	PatientMRN        string       `json:"patient_mrn,omitempty"`
	NumMedications    int          `json:"num_medications"`
	NumDiagnoses      int          `json:"num_diagnoses"`
	HasCriticalAlerts bool         `json:"has_critical_alerts"`
	HasWarnings       bool         `json:"has_warnings"`
}

// Stats is the aggregate view over all stored records
type Stats struct {
	TotalJobs        int     `json:"total_jobs"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	MinExecutionTime float64 `json:"min_execution_time"`
	MaxExecutionTime float64 `json:"max_execution_time"`
}

// MakeRecord builds the durable record from an in-memory job, extracting the
// patient identity from the submission and the alert flags and medication
// analyses from the result document
func MakeRecord(job queue.Job) Record {
	rec := Record{
		JobID:         job.ID,
		Status:        job.Status,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		ExecutionTime: job.ExecutionTime().Seconds(),
		InputData:     job.Request,
		ResultData:    job.Result,
		ErrorMessage:  job.Error,
	}

	var req analyzer.Request
	if err := json.Unmarshal(job.Request, &req); err == nil {
		rec.PatientName = req.PatientInfo.FullName
		rec.PatientMRN = req.PatientInfo.MRN
		rec.NumDiagnoses = len(req.CurrentDiagnoses)
		for _, d := range req.CurrentDiagnoses {
			rec.NumMedications += len(d.Treatment.Medications)
		}
	}

	res := analyzer.ParseResult(job.Result)
	rec.HasCriticalAlerts = len(res.Alerts.Critical) > 0
	rec.HasWarnings = len(res.Alerts.Warnings) > 0
	for _, med := range res.MedicationAnalysis {
		rec.Medications = append(rec.Medications, Medication{
			MedicationName: med.Medication.Name,
			Diagnosis:      med.Medication.Indication,
			SafetyOutcome:  med.Medication.SafetyProfile.Outcome,
		})
	}
	return rec
}

// recordRow is the scan target for analysis_results, timestamps kept as unix
// seconds in the database
type recordRow struct {
	JobID             string          `db:"job_id"`
	Status            queue.Status    `db:"status"`
	CreatedAt         sql.NullInt64   `db:"created_at"`
	StartedAt         sql.NullInt64   `db:"started_at"`
	CompletedAt       sql.NullInt64   `db:"completed_at"`
	ExecutionTime     sql.NullFloat64 `db:"execution_time"`
	InputData         sql.NullString  `db:"input_data"`
	ResultData        sql.NullString  `db:"result_data"`
	ErrorMessage      sql.NullString  `db:"error_message"`
	PatientName       sql.NullString  `db:"patient_name"`
	PatientMRN        sql.NullString  `db:"patient_mrn"`
	NumMedications    int             `db:"num_medications"`
	NumDiagnoses      int             `db:"num_diagnoses"`
	HasCriticalAlerts bool            `db:"has_critical_alerts"`
	HasWarnings       bool            `db:"has_warnings"`
}

func (r recordRow) toRecord() Record {
	rec := Record{
		JobID:             r.JobID,
		Status:            r.Status,
		CreatedAt:         timeOrZero(r.CreatedAt),
		StartedAt:         timeOrZero(r.StartedAt),
		CompletedAt:       timeOrZero(r.CompletedAt),
		ExecutionTime:     r.ExecutionTime.Float64,
		ErrorMessage:      r.ErrorMessage.String,
		PatientName:       r.PatientName.String,
		PatientMRN:        r.PatientMRN.String,
		NumMedications:    r.NumMedications,
		NumDiagnoses:      r.NumDiagnoses,
		HasCriticalAlerts: r.HasCriticalAlerts,
		HasWarnings:       r.HasWarnings,
	}
	if r.InputData.Valid {
		rec.InputData = json.RawMessage(r.InputData.String)
	}
	if r.ResultData.Valid {
		rec.ResultData = json.RawMessage(r.ResultData.String)
	}
	return rec
}

type summaryRow struct {
	JobID             string          `db:"job_id"`
	Status            queue.Status    `db:"status"`
	CreatedAt         sql.NullInt64   `db:"created_at"`
	CompletedAt       sql.NullInt64   `db:"completed_at"`
	ExecutionTime     sql.NullFloat64 `db:"execution_time"`
	PatientName       sql.NullString  `db:"patient_name"`
	PatientMRN        sql.NullString  `db:"patient_mrn"`
	NumMedications    int             `db:"num_medications"`
	NumDiagnoses      int             `db:"num_diagnoses"`
	HasCriticalAlerts bool            `db:"has_critical_alerts"`
	HasWarnings       bool            `db:"has_warnings"`
}

func (r summaryRow) toSummary() Summary {
	return Summary{
		JobID:             r.JobID,
		Status:            r.Status,
		CreatedAt:         timeOrZero(r.CreatedAt),
		CompletedAt:       timeOrZero(r.CompletedAt),
		ExecutionTime:     r.ExecutionTime.Float64,
		PatientName:       r.PatientName.String,
		PatientMRN:        r.PatientMRN.String,
		NumMedications:    r.NumMedications,
		NumDiagnoses:      r.NumDiagnoses,
		HasCriticalAlerts: r.HasCriticalAlerts,
		HasWarnings:       r.HasWarnings,
	}
}

func timeOrZero(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}
