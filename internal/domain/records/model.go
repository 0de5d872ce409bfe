package records

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RecordType string

const (
	TypePrescription     RecordType = "prescription"
	TypeLabReport        RecordType = "lab_report"
	TypeImaging          RecordType = "imaging"
	TypeConsultationNote RecordType = "consultation_note"
	TypeDischargeSummary RecordType = "discharge_summary"
	TypeOther            RecordType = "other"
)

var recordTypes = map[RecordType]bool{
	TypePrescription:     true,
	TypeLabReport:        true,
	TypeImaging:          true,
	TypeConsultationNote: true,
	TypeDischargeSummary: true,
	TypeOther:            true,
}

// ParseRecordType accepts the closed set of record types, case-insensitively.
func ParseRecordType(s string) (RecordType, bool) {
	t := RecordType(strings.ToLower(strings.TrimSpace(s)))
	return t, recordTypes[t]
}

// HealthRecord is a single clinical document owned by a patient. DoctorID is
// set when a doctor authored it on the patient's behalf.
type HealthRecord struct {
	ID           uuid.UUID  `json:"id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	RecordType   RecordType `json:"record_type"`
	Title        string     `json:"title"`
	Description  *string    `json:"description,omitempty"`
	FileURL      *string    `json:"file_url,omitempty"`
	FileType     *string    `json:"file_type,omitempty"`
	DateRecorded *time.Time `json:"date_recorded,omitempty"`
	HospitalName *string    `json:"hospital_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type CreateInput struct {
	PatientEmail string  `json:"patient_email"`
	RecordType   string  `json:"record_type"`
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	FileURL      *string `json:"file_url"`
	FileType     *string `json:"file_type"`
	DateRecorded *string `json:"date_recorded"`
	HospitalName *string `json:"hospital_name"`
}

// ListFilter narrows a listing. PatientIDs is always the visible set; an
// empty RecordType matches every type.
type ListFilter struct {
	PatientIDs []uuid.UUID
	RecordType RecordType
}
