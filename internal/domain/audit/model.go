package audit

import (
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionListRecords    Action = "list_records"
	ActionViewRecord     Action = "view_record"
	ActionDownloadRecord Action = "download_record"
	ActionCreateRecord   Action = "create_record"
	ActionListInsights   Action = "list_insights"
	ActionViewInsight    Action = "view_insight"
	ActionAnalyzeRecord  Action = "analyze_record"
)

// AccessLog is an append-only record of a doctor touching patient data.
// PatientID is nil for unfiltered listings that span several patients.
type AccessLog struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DoctorID    uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	DoctorEmail string     `db:"doctor_email" json:"doctor_email,omitempty"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	RecordID    *uuid.UUID `db:"record_id" json:"record_id,omitempty"`
	Action      Action     `db:"action" json:"action"`
	Reason      *string    `db:"reason" json:"reason,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
}
