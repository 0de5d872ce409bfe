package insight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/domain/audit"
	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/domain/visibility"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/gemini"
)

// Generator is the external AI provider.
type Generator interface {
	Generate(ctx context.Context, req gemini.Request) (string, error)
}

type ConsentChecker interface {
	HasApproved(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error)
}

type PrincipalLookup interface {
	Lookup(ctx context.Context, identifier string) (*identity.Principal, error)
}

type Scoper interface {
	Scope(ctx context.Context, p *identity.Principal, roleHint string, kind visibility.Kind, f visibility.Filter) (visibility.Scope, error)
}

type Recorder interface {
	Record(ctx context.Context, entry audit.AccessLog)
}

type Service struct {
	insights   InsightRepository
	generator  Generator
	consents   ConsentChecker
	principals PrincipalLookup
	policy     Scoper
	auditor    Recorder
	timeout    time.Duration
	metrics    *Metrics
	logger     zerolog.Logger
}

type Deps struct {
	Insights   InsightRepository
	Generator  Generator // nil when no provider key is configured
	Consents   ConsentChecker
	Principals PrincipalLookup
	Policy     Scoper
	Auditor    Recorder
	Timeout    time.Duration
	Metrics    *Metrics
	Logger     zerolog.Logger
}

func NewService(d Deps) *Service {
	if d.Timeout <= 0 {
		d.Timeout = 45 * time.Second
	}
	return &Service{
		insights:   d.Insights,
		generator:  d.Generator,
		consents:   d.Consents,
		principals: d.Principals,
		policy:     d.Policy,
		auditor:    d.Auditor,
		timeout:    d.Timeout,
		metrics:    d.Metrics,
		logger:     d.Logger.With().Str("component", "insight").Logger(),
	}
}

// actingPatient returns the patient an analysis is stored against. A doctor
// naming a patient needs that patient's approved consent.
func (s *Service) actingPatient(ctx context.Context, caller *identity.Principal, patientEmail string) (*identity.Principal, error) {
	if !caller.IsDoctor() || strings.TrimSpace(patientEmail) == "" {
		return caller, nil
	}
	target, err := s.principals.Lookup(ctx, patientEmail)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: no approved consent for %s", apperr.ErrConsentDenied, identity.NormalizeIdentifier(patientEmail))
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.consents.HasApproved(ctx, caller.ID, target.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no approved consent for %s", apperr.ErrConsentDenied, target.Email)
	}
	return target, nil
}

// Analyze sends one record to the provider and stores the parsed reply. The
// provider is called at most once. Once a reply has arrived the insight is
// stored even if the caller has gone away.
func (s *Service) Analyze(ctx context.Context, caller *identity.Principal, in AnalyzeInput) (*Insight, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: caller is required", apperr.ErrForbidden)
	}

	var recordID *uuid.UUID
	if in.RecordID != nil && strings.TrimSpace(*in.RecordID) != "" {
		id, err := uuid.Parse(strings.TrimSpace(*in.RecordID))
		if err != nil {
			return nil, fmt.Errorf("%w: record_id must be a UUID", apperr.ErrValidation)
		}
		recordID = &id
	}
	recordType := strings.TrimSpace(in.RecordType)
	if recordType == "" {
		recordType = DefaultRecordType
	}
	if len(recordType) > 120 {
		return nil, fmt.Errorf("%w: record_type is too long", apperr.ErrValidation)
	}

	patient, err := s.actingPatient(ctx, caller, in.PatientEmail)
	if err != nil {
		return nil, err
	}
	if s.generator == nil {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY missing", apperr.ErrProviderUnconfigured)
	}

	req := gemini.Request{Prompt: BuildPrompt(recordType, in.RecordText)}
	if in.ImageBase64 != "" {
		mimeType := in.ImageMime
		if mimeType == "" {
			mimeType = "image/png"
		}
		req.Image = &gemini.InlineData{MimeType: mimeType, Data: in.ImageBase64}
	}

	text, err := s.call(ctx, req)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patient.ID.String()).Msg("ai provider call failed")
		return nil, fmt.Errorf("%w: %v", apperr.ErrProvider, err)
	}

	payload := ParseLoose(text)
	if m, ok := payload.(map[string]any); ok && len(m) == 1 && m["raw"] == text && text != "" {
		s.metrics.parseFallback()
		s.logger.Info().Str("patient_id", patient.ID.String()).Msg("ai reply was not JSON, stored raw")
	}

	content, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode content: %v", apperr.ErrProvider, err)
	}
	risk, recs, err := Extract(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode recommendations: %v", apperr.ErrProvider, err)
	}

	ins := &Insight{
		PatientID:       patient.ID,
		RecordID:        recordID,
		InsightType:     recordType,
		Content:         content,
		RiskLevel:       risk,
		Recommendations: recs,
	}
	persistCtx := context.WithoutCancel(ctx)
	if err := s.insights.Create(persistCtx, ins); err != nil {
		s.logger.Error().Err(err).Str("patient_id", patient.ID.String()).Msg("store insight failed")
		return nil, fmt.Errorf("%w: store insight: %v", apperr.ErrProvider, err)
	}

	if patient.ID != caller.ID {
		reason := "insight " + ins.ID.String()
		s.auditor.Record(persistCtx, audit.AccessLog{
			DoctorID:  caller.ID,
			PatientID: audit.Ptr(patient.ID),
			Action:    audit.ActionAnalyzeRecord,
			Reason:    &reason,
		})
	}
	return ins, nil
}

func (s *Service) call(ctx context.Context, req gemini.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.generator.Generate(ctx, req)
	outcome := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	s.metrics.observeCall(outcome, time.Since(start).Seconds())
	return text, err
}

type ListInput struct {
	Role         string
	PatientEmail string
	Limit        int
	Offset       int
}

// List returns the insights visible to caller. Doctor listings are audited.
func (s *Service) List(ctx context.Context, caller *identity.Principal, in ListInput) ([]*Insight, int, error) {
	scope, err := s.policy.Scope(ctx, caller, in.Role, visibility.KindInsight, visibility.Filter{PatientIdentifier: in.PatientEmail})
	if err != nil {
		return nil, 0, err
	}
	if scope.Audited() {
		s.auditor.Record(ctx, audit.AccessLog{DoctorID: caller.ID, PatientID: scope.Patient, Action: audit.ActionListInsights})
	}
	if scope.Empty() {
		return nil, 0, nil
	}
	return s.insights.ListByPatients(ctx, scope.PatientIDs, in.Limit, in.Offset)
}

// Get returns one insight if it falls inside caller's scope.
func (s *Service) Get(ctx context.Context, caller *identity.Principal, role string, id uuid.UUID) (*Insight, error) {
	scope, err := s.policy.Scope(ctx, caller, role, visibility.KindInsight, visibility.Filter{})
	if err != nil {
		return nil, err
	}
	ins, err := s.insights.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(ins.PatientID) {
		return nil, fmt.Errorf("insight: %w", apperr.ErrNotFound)
	}
	if scope.Audited() {
		s.auditor.Record(ctx, audit.AccessLog{DoctorID: caller.ID, PatientID: audit.Ptr(ins.PatientID), Action: audit.ActionViewInsight})
	}
	return ins, nil
}
