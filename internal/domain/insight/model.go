package insight

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Insight is a stored AI analysis. RecordID is a weak reference: it is kept
// as given and may name a record that does not exist.
type Insight struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	PatientID       uuid.UUID       `db:"patient_id" json:"patient_id"`
	RecordID        *uuid.UUID      `db:"record_id" json:"record_id"`
	InsightType     string          `db:"insight_type" json:"insight_type"`
	Content         json.RawMessage `db:"content" json:"content"`
	RiskLevel       *string         `db:"risk_level" json:"risk_level"`
	Recommendations json.RawMessage `db:"recommendations" json:"recommendations"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

const DefaultRecordType = "other"

// AnalyzeInput is the body of an analysis request.
type AnalyzeInput struct {
	RecordID     *string `json:"record_id"`
	RecordText   string  `json:"record_text"`
	RecordType   string  `json:"record_type"`
	PatientEmail string  `json:"patient_email"`
	ImageBase64  string  `json:"image_base64"`
	ImageMime    string  `json:"image_mime"`
}
