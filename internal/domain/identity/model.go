package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole returns the role named by s and whether it is one of the known roles.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Principal is a resolved actor. Email is the stable identifier.
type Principal struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	Email               string     `db:"email" json:"email"`
	Role                Role       `db:"role" json:"role"`
	FirstName           string     `db:"first_name" json:"first_name"`
	LastName            string     `db:"last_name" json:"last_name"`
	Phone               *string    `db:"phone" json:"phone,omitempty"`
	Specialization      *string    `db:"specialization" json:"specialization,omitempty"`
	LicenseNumber       *string    `db:"license_number" json:"license_number,omitempty"`
	HospitalAffiliation *string    `db:"hospital_affiliation" json:"hospital_affiliation,omitempty"`
	DateOfBirth         *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender              *string    `db:"gender" json:"gender,omitempty"`
	Address             *string    `db:"address" json:"address,omitempty"`
	EmergencyContact    *string    `db:"emergency_contact" json:"emergency_contact,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Principal) IsPatient() bool { return p != nil && p.Role == RolePatient }
func (p *Principal) IsDoctor() bool  { return p != nil && p.Role == RoleDoctor }
func (p *Principal) IsAdmin() bool   { return p != nil && p.Role == RoleAdmin }

// ProfileUpdate carries the self-editable profile fields. Role is deliberately
// absent: it changes only through SetRole.
type ProfileUpdate struct {
	FirstName           *string `json:"first_name"`
	LastName            *string `json:"last_name"`
	Phone               *string `json:"phone"`
	Specialization      *string `json:"specialization"`
	LicenseNumber       *string `json:"license_number"`
	HospitalAffiliation *string `json:"hospital_affiliation"`
	DateOfBirth         *string `json:"date_of_birth"`
	Gender              *string `json:"gender"`
	Address             *string `json:"address"`
	EmergencyContact    *string `json:"emergency_contact"`
}

// NormalizeIdentifier trims and lower-cases an email-like identifier.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
