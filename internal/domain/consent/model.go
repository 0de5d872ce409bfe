package consent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusRevoked  Status = "revoked"
)

// transitions lists the legal edges of the consent state machine.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDenied},
	StatusApproved: {StatusRevoked},
}

// ParseStatus returns the status named by s and whether it is known.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusDenied, StatusRevoked:
		return st, true
	default:
		return "", false
	}
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may legally move to to.
func sourcesOf(to Status) []Status {
	var from []Status
	for f, targets := range transitions {
		for _, t := range targets {
			if t == to {
				from = append(from, f)
			}
		}
	}
	return from
}

const DefaultPurpose = "Access to health records"

// Request is a doctor's request to see a patient's data.
type Request struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorID     uuid.UUID  `db:"doctor_id" json:"doctor_id"`
	PatientEmail string     `db:"patient_email" json:"patient_email"`
	DoctorEmail  string     `db:"doctor_email" json:"doctor_email"`
	Status       Status     `db:"status" json:"status"`
	Purpose      string     `db:"purpose" json:"purpose"`
	ExpiryDate   *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	RequestedAt  time.Time  `db:"requested_at" json:"requested_at"`
	RespondedAt  *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the expiry date lies strictly before the day of asOf.
func (r *Request) Expired(asOf time.Time) bool {
	if r.ExpiryDate == nil {
		return false
	}
	return r.ExpiryDate.Before(truncateDay(asOf))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Party selects which side of a request a listing is taken from.
type Party string

const (
	PartyAny     Party = ""
	PartyDoctor  Party = "doctor"
	PartyPatient Party = "patient"
)

type ListFilter struct {
	PrincipalID uuid.UUID
	As          Party
}
