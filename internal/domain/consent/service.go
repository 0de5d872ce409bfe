package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
)

// PrincipalResolver upserts the patient named in a new request.
type PrincipalResolver interface {
	Resolve(ctx context.Context, identifier, roleClaim string) (*identity.Principal, error)
}

type Service struct {
	requests      RequestRepository
	principals    PrincipalResolver
	enforceExpiry bool
	metrics       *Metrics
	logger        zerolog.Logger
	now           func() time.Time
}

func NewService(requests RequestRepository, principals PrincipalResolver, enforceExpiry bool) *Service {
	return &Service{
		requests:      requests,
		principals:    principals,
		enforceExpiry: enforceExpiry,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLogger(l zerolog.Logger) *Service {
	s.logger = l.With().Str("component", "consent").Logger()
	return s
}

type CreateInput struct {
	PatientEmail string  `json:"patient_email"`
	Purpose      string  `json:"purpose"`
	ExpiryDate   *string `json:"expiry_date"`
}

// Create opens a pending request from doctor to the named patient, creating
// the patient principal on first contact.
func (s *Service) Create(ctx context.Context, doctor *identity.Principal, in CreateInput) (*Request, error) {
	if !doctor.IsDoctor() {
		return nil, fmt.Errorf("%w: only doctors can request consent", apperr.ErrForbidden)
	}
	if strings.TrimSpace(in.PatientEmail) == "" {
		return nil, fmt.Errorf("%w: patient_email is required", apperr.ErrValidation)
	}

	var expiry *time.Time
	if in.ExpiryDate != nil && *in.ExpiryDate != "" {
		d, err := time.Parse("2006-01-02", *in.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("%w: expiry_date must be YYYY-MM-DD", apperr.ErrValidation)
		}
		if d.Before(truncateDay(s.now())) {
			return nil, fmt.Errorf("%w: expiry_date is in the past", apperr.ErrValidation)
		}
		expiry = &d
	}

	patient, err := s.principals.Resolve(ctx, in.PatientEmail, string(identity.RolePatient))
	if err != nil {
		return nil, err
	}
	if patient.ID == doctor.ID {
		return nil, fmt.Errorf("%w: cannot request consent from yourself", apperr.ErrValidation)
	}
	if !patient.IsPatient() {
		return nil, fmt.Errorf("%w: %s is not a patient", apperr.ErrValidation, patient.Email)
	}

	purpose := strings.TrimSpace(in.Purpose)
	if purpose == "" {
		purpose = DefaultPurpose
	}

	req := &Request{
		PatientID:    patient.ID,
		DoctorID:     doctor.ID,
		PatientEmail: patient.Email,
		DoctorEmail:  doctor.Email,
		Status:       StatusPending,
		Purpose:      purpose,
		ExpiryDate:   expiry,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info().Str("consent_id", req.ID.String()).
		Str("doctor_id", doctor.ID.String()).Str("patient_id", patient.ID.String()).
		Msg("consent requested")
	return req, nil
}

// Respond moves a request to status on behalf of the patient it names.
func (s *Service) Respond(ctx context.Context, caller *identity.Principal, id uuid.UUID, status string) (*Request, error) {
	to, ok := ParseStatus(status)
	if !ok || to == StatusPending {
		return nil, fmt.Errorf("%w: invalid status %q", apperr.ErrValidation, status)
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: caller is required", apperr.ErrForbidden)
	}

	from := sourcesOf(to)
	updated, err := s.requests.Transition(ctx, id, caller.ID, from, to)
	if err == nil {
		s.metrics.observe(from[0], to)
		s.logger.Info().Str("consent_id", id.String()).
			Str("from", string(from[0])).Str("to", string(to)).Msg("consent status changed")
		return updated, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	current, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case current.PatientID == caller.ID:
		return nil, fmt.Errorf("%w: cannot change consent from %s to %s",
			apperr.ErrInvalidTransition, current.Status, to)
	case current.DoctorID == caller.ID:
		return nil, fmt.Errorf("%w: only the patient can respond to a consent request", apperr.ErrForbidden)
	default:
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
}

// List returns requests the caller is party to. as narrows to the sent
// (doctor) or received (patient) side.
func (s *Service) List(ctx context.Context, caller *identity.Principal, as string, limit, offset int) ([]*Request, int, error) {
	party := Party(strings.ToLower(strings.TrimSpace(as)))
	switch party {
	case PartyAny, PartyDoctor, PartyPatient:
	default:
		return nil, 0, fmt.Errorf("%w: invalid role filter %q", apperr.ErrValidation, as)
	}
	return s.requests.List(ctx, ListFilter{PrincipalID: caller.ID, As: party}, limit, offset)
}

// Get returns a request only to one of its two parties.
func (s *Service) Get(ctx context.Context, caller *identity.Principal, id uuid.UUID) (*Request, error) {
	c, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.PatientID != caller.ID && c.DoctorID != caller.ID {
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
	return c, nil
}

func (s *Service) validOn() *time.Time {
	if !s.enforceExpiry {
		return nil
	}
	d := truncateDay(s.now())
	return &d
}

// HasApproved reports whether doctorID holds approved, unexpired consent for patientID.
func (s *Service) HasApproved(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	return s.requests.HasApproved(ctx, doctorID, patientID, s.validOn())
}

// ApprovedPatientIDs lists the patients who currently share data with doctorID.
func (s *Service) ApprovedPatientIDs(ctx context.Context, doctorID uuid.UUID) ([]uuid.UUID, error) {
	return s.requests.ApprovedPatientIDs(ctx, doctorID, s.validOn())
}
