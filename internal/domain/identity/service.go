package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeeva/jeeva/internal/platform/apperr"
)

type Service struct {
	principals PrincipalRepository
}

func NewService(principals PrincipalRepository) *Service {
	return &Service{principals: principals}
}

func validIdentifier(id string) bool {
	at := strings.IndexByte(id, '@')
	return at > 0 && at < len(id)-1 && !strings.ContainsAny(id, " \t\r\n")
}

// Resolve returns the principal for identifier, creating it on first contact.
// A new principal takes roleClaim when it names a known role, otherwise it is
// a patient. Existing principals keep their stored role.
func (s *Service) Resolve(ctx context.Context, identifier, roleClaim string) (*Principal, error) {
	email := NormalizeIdentifier(identifier)
	if !validIdentifier(email) {
		return nil, fmt.Errorf("%w: invalid identifier %q", apperr.ErrValidation, identifier)
	}
	role, ok := ParseRole(roleClaim)
	if !ok {
		role = RolePatient
	}
	return s.principals.Upsert(ctx, email, role)
}

// Lookup finds an existing principal without creating one.
func (s *Service) Lookup(ctx context.Context, identifier string) (*Principal, error) {
	email := NormalizeIdentifier(identifier)
	if email == "" {
		return nil, fmt.Errorf("%w: identifier is required", apperr.ErrValidation)
	}
	return s.principals.GetByEmail(ctx, email)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return s.principals.GetByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, p *Principal, u ProfileUpdate) (*Principal, error) {
	updated := *p
	if u.FirstName != nil {
		updated.FirstName = strings.TrimSpace(*u.FirstName)
	}
	if u.LastName != nil {
		updated.LastName = strings.TrimSpace(*u.LastName)
	}
	if u.DateOfBirth != nil {
		if *u.DateOfBirth == "" {
			updated.DateOfBirth = nil
		} else {
			dob, err := time.Parse("2006-01-02", *u.DateOfBirth)
			if err != nil {
				return nil, fmt.Errorf("%w: date_of_birth must be YYYY-MM-DD", apperr.ErrValidation)
			}
			updated.DateOfBirth = &dob
		}
	}
	setOptional(&updated.Phone, u.Phone)
	setOptional(&updated.Specialization, u.Specialization)
	setOptional(&updated.LicenseNumber, u.LicenseNumber)
	setOptional(&updated.HospitalAffiliation, u.HospitalAffiliation)
	setOptional(&updated.Gender, u.Gender)
	setOptional(&updated.Address, u.Address)
	setOptional(&updated.EmergencyContact, u.EmergencyContact)

	if err := s.principals.Update(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func setOptional(dst **string, v *string) {
	if v == nil {
		return
	}
	if *v == "" {
		*dst = nil
		return
	}
	val := *v
	*dst = &val
}

// SetRole changes a principal's role. Only admins may do this.
func (s *Service) SetRole(ctx context.Context, caller *Principal, id uuid.UUID, roleName string) (*Principal, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: admin role required", apperr.ErrForbidden)
	}
	role, ok := ParseRole(roleName)
	if !ok {
		return nil, fmt.Errorf("%w: invalid role %q", apperr.ErrValidation, roleName)
	}
	if err := s.principals.SetRole(ctx, id, role); err != nil {
		return nil, err
	}
	return s.principals.GetByID(ctx, id)
}
