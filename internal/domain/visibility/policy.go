// Package visibility decides which patients' records and insights a principal
// may query.
package visibility

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
)

type Kind string

const (
	KindHealthRecord Kind = "health_record"
	KindInsight      Kind = "ai_insight"
)

// ConsentLookup reports the patients whose approved consent doctorID holds.
type ConsentLookup interface {
	ApprovedPatientIDs(ctx context.Context, doctorID uuid.UUID) ([]uuid.UUID, error)
}

// PrincipalLookup finds an existing principal without creating one.
type PrincipalLookup interface {
	Lookup(ctx context.Context, identifier string) (*identity.Principal, error)
}

type Filter struct {
	// PatientIdentifier narrows a doctor's scope to one patient.
	PatientIdentifier string
}

// Scope is the set of patients whose data a query may return.
type Scope struct {
	Kind       Kind
	Role       identity.Role
	PatientIDs []uuid.UUID
	// Patient is the named-patient filter after resolution, if one was given
	// and resolved.
	Patient *uuid.UUID
}

func (s Scope) Empty() bool { return len(s.PatientIDs) == 0 }

func (s Scope) Allows(patientID uuid.UUID) bool {
	for _, id := range s.PatientIDs {
		if id == patientID {
			return true
		}
	}
	return false
}

// Audited reports whether reads through this scope are doctor access that
// must be written to the access log.
func (s Scope) Audited() bool { return s.Role == identity.RoleDoctor }

type Policy struct {
	consents   ConsentLookup
	principals PrincipalLookup
}

func NewPolicy(consents ConsentLookup, principals PrincipalLookup) *Policy {
	return &Policy{consents: consents, principals: principals}
}

// Scope computes the query scope for p. roleHint lets a principal narrow to
// the patient view or restate their own role; any other hint, an unknown
// role, or a missing principal yields an empty scope.
func (pol *Policy) Scope(ctx context.Context, p *identity.Principal, roleHint string, kind Kind, f Filter) (Scope, error) {
	empty := Scope{Kind: kind}
	if p == nil {
		return empty, nil
	}

	role := p.Role
	if strings.TrimSpace(roleHint) != "" {
		hint, ok := identity.ParseRole(roleHint)
		if !ok || (hint != p.Role && hint != identity.RolePatient) {
			return empty, nil
		}
		role = hint
	}

	switch role {
	case identity.RolePatient:
		return Scope{Kind: kind, Role: role, PatientIDs: []uuid.UUID{p.ID}}, nil
	case identity.RoleDoctor:
		return pol.doctorScope(ctx, p, kind, f)
	default:
		return empty, nil
	}
}

func (pol *Policy) doctorScope(ctx context.Context, doctor *identity.Principal, kind Kind, f Filter) (Scope, error) {
	s := Scope{Kind: kind, Role: identity.RoleDoctor}

	approved, err := pol.consents.ApprovedPatientIDs(ctx, doctor.ID)
	if err != nil {
		return Scope{Kind: kind}, err
	}

	name := strings.TrimSpace(f.PatientIdentifier)
	if name == "" {
		s.PatientIDs = approved
		return s, nil
	}

	target, err := pol.principals.Lookup(ctx, name)
	if errors.Is(err, apperr.ErrNotFound) {
		// Unresolved filter narrows to nothing.
		return s, nil
	}
	if err != nil {
		return Scope{Kind: kind}, err
	}
	s.Patient = &target.ID
	for _, id := range approved {
		if id == target.ID {
			s.PatientIDs = []uuid.UUID{id}
			break
		}
	}
	return s, nil
}
