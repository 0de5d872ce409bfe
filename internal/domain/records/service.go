package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/domain/audit"
	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/domain/visibility"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/blobstore"
	"github.com/jeeva/jeeva/internal/platform/db"
)

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
	records    RecordRepository
	tx         db.TxBeginner
	consents   ConsentChecker
	principals PrincipalLookup
	policy     Scoper
	auditor    Recorder
	files      blobstore.Store
	logger     zerolog.Logger
}

type Deps struct {
	Records    RecordRepository
	Tx         db.TxBeginner // nil runs without a transaction
	Consents   ConsentChecker
	Principals PrincipalLookup
	Policy     Scoper
	Auditor    Recorder
	Files      blobstore.Store
	Logger     zerolog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		records:    d.Records,
		tx:         d.Tx,
		consents:   d.Consents,
		principals: d.Principals,
		policy:     d.Policy,
		auditor:    d.Auditor,
		files:      d.Files,
		logger:     d.Logger.With().Str("component", "records").Logger(),
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.tx, fn)
}

// Create stores a record. A patient files records for themselves; a doctor
// files for the patient named by PatientEmail and needs that patient's
// approved consent at the moment of writing.
func (s *Service) Create(ctx context.Context, caller *identity.Principal, in CreateInput) (*HealthRecord, error) {
	if caller == nil || (!caller.IsPatient() && !caller.IsDoctor()) {
		return nil, fmt.Errorf("%w: only patients and doctors can create records", apperr.ErrForbidden)
	}
	rec, err := buildRecord(in)
	if err != nil {
		return nil, err
	}

	if caller.IsPatient() {
		rec.PatientID = caller.ID
		if err := s.checkFileURL(rec); err != nil {
			return nil, err
		}
		if err := s.records.Create(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if strings.TrimSpace(in.PatientEmail) == "" {
		return nil, fmt.Errorf("%w: patient_email is required", apperr.ErrValidation)
	}
	target, err := s.principals.Lookup(ctx, in.PatientEmail)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("%w: no approved consent for %s", apperr.ErrConsentDenied, identity.NormalizeIdentifier(in.PatientEmail))
	}
	if err != nil {
		return nil, err
	}
	rec.PatientID = target.ID
	rec.DoctorID = &caller.ID
	if err := s.checkFileURL(rec); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		ok, err := s.consents.HasApproved(ctx, caller.ID, target.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no approved consent for %s", apperr.ErrConsentDenied, target.Email)
		}
		return s.records.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.auditor.Record(ctx, audit.AccessLog{
		DoctorID:  caller.ID,
		PatientID: audit.Ptr(target.ID),
		RecordID:  audit.Ptr(rec.ID),
		Action:    audit.ActionCreateRecord,
	})
	return rec, nil
}

func buildRecord(in CreateInput) (*HealthRecord, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", apperr.ErrValidation)
	}
	if len(title) > 200 {
		return nil, fmt.Errorf("%w: title is too long", apperr.ErrValidation)
	}
	rt, ok := ParseRecordType(in.RecordType)
	if !ok {
		return nil, fmt.Errorf("%w: invalid record_type %q", apperr.ErrValidation, in.RecordType)
	}
	rec := &HealthRecord{
		RecordType:   rt,
		Title:        title,
		Description:  trimmed(in.Description),
		FileURL:      trimmed(in.FileURL),
		FileType:     trimmed(in.FileType),
		HospitalName: trimmed(in.HospitalName),
	}
	if d := trimmed(in.DateRecorded); d != nil {
		t, err := time.Parse("2006-01-02", *d)
		if err != nil {
			return nil, fmt.Errorf("%w: date_recorded must be YYYY-MM-DD", apperr.ErrValidation)
		}
		rec.DateRecorded = &t
	}
	return rec, nil
}

// checkFileURL rejects a file_url that points into the store at an upload
// owned by anyone other than the record's patient or authoring doctor.
// Links outside the store are kept as plain references.
func (s *Service) checkFileURL(rec *HealthRecord) error {
	if rec.FileURL == nil {
		return nil
	}
	key, ok := s.files.KeyForURL(*rec.FileURL)
	if !ok {
		return nil
	}
	if !ownsFile(rec, key) {
		return fmt.Errorf("%w: file_url does not refer to your upload", apperr.ErrValidation)
	}
	return nil
}

func ownsFile(rec *HealthRecord, key string) bool {
	owner, ok := blobstore.OwnerOf(key)
	if !ok {
		return false
	}
	if owner == rec.PatientID.String() {
		return true
	}
	return rec.DoctorID != nil && owner == rec.DoctorID.String()
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

type ListInput struct {
	Role         string
	PatientEmail string
	RecordType   string
	Limit        int
	Offset       int
}

// List returns the records visible to caller, newest first. Doctor listings
// are audited even when nothing is visible.
func (s *Service) List(ctx context.Context, caller *identity.Principal, in ListInput) ([]*HealthRecord, int, error) {
	var rt RecordType
	if strings.TrimSpace(in.RecordType) != "" {
		var ok bool
		if rt, ok = ParseRecordType(in.RecordType); !ok {
			return nil, 0, fmt.Errorf("%w: invalid record_type %q", apperr.ErrValidation, in.RecordType)
		}
	}
	scope, err := s.policy.Scope(ctx, caller, in.Role, visibility.KindHealthRecord, visibility.Filter{PatientIdentifier: in.PatientEmail})
	if err != nil {
		return nil, 0, err
	}
	if scope.Audited() {
		s.auditor.Record(ctx, audit.AccessLog{DoctorID: caller.ID, PatientID: scope.Patient, Action: audit.ActionListRecords})
	}
	if scope.Empty() {
		return nil, 0, nil
	}
	return s.records.List(ctx, ListFilter{PatientIDs: scope.PatientIDs, RecordType: rt}, in.Limit, in.Offset)
}

func (s *Service) visible(ctx context.Context, caller *identity.Principal, role string, id uuid.UUID) (*HealthRecord, visibility.Scope, error) {
	scope, err := s.policy.Scope(ctx, caller, role, visibility.KindHealthRecord, visibility.Filter{})
	if err != nil {
		return nil, scope, err
	}
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, scope, err
	}
	if !scope.Allows(rec.PatientID) {
		return nil, scope, fmt.Errorf("health record: %w", apperr.ErrNotFound)
	}
	return rec, scope, nil
}

// Get returns one record if it falls inside caller's scope. Records outside
// the scope are reported as missing.
func (s *Service) Get(ctx context.Context, caller *identity.Principal, role string, id uuid.UUID) (*HealthRecord, error) {
	rec, scope, err := s.visible(ctx, caller, role, id)
	if err != nil {
		return nil, err
	}
	if scope.Audited() {
		s.auditor.Record(ctx, audit.AccessLog{
			DoctorID:  caller.ID,
			PatientID: audit.Ptr(rec.PatientID),
			RecordID:  audit.Ptr(rec.ID),
			Action:    audit.ActionViewRecord,
		})
	}
	return rec, nil
}

// Upload stores an attachment and returns where it landed. The returned URL
// is what clients put in a record's file_url.
func (s *Service) Upload(ctx context.Context, caller *identity.Principal, fileName, contentType string, content io.Reader) (*blobstore.Object, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: caller is required", apperr.ErrForbidden)
	}
	obj, err := s.files.Put(ctx, caller.ID.String(), fileName, contentType, content)
	switch {
	case errors.Is(err, blobstore.ErrMissingFileName), errors.Is(err, blobstore.ErrInvalidContentType):
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	case err != nil:
		return nil, err
	}
	s.logger.Info().
		Str("principal_id", caller.ID.String()).
		Str("path", obj.Key).
		Int64("size", obj.Size).
		Msg("file uploaded")
	return obj, nil
}

// OpenFile streams the attachment of a visible record. Only files uploaded
// by the record's patient or authoring doctor are served. Doctor downloads
// are audited.
func (s *Service) OpenFile(ctx context.Context, caller *identity.Principal, role string, id uuid.UUID) (io.ReadCloser, *blobstore.Object, error) {
	rec, scope, err := s.visible(ctx, caller, role, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.FileURL == nil {
		return nil, nil, fmt.Errorf("record file: %w", apperr.ErrNotFound)
	}
	key, ok := s.files.KeyForURL(*rec.FileURL)
	if !ok || !ownsFile(rec, key) {
		return nil, nil, fmt.Errorf("record file: %w", apperr.ErrNotFound)
	}
	body, obj, err := s.files.Open(ctx, key)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, nil, fmt.Errorf("record file: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	if scope.Audited() {
		s.auditor.Record(ctx, audit.AccessLog{
			DoctorID:  caller.ID,
			PatientID: audit.Ptr(rec.PatientID),
			RecordID:  audit.Ptr(rec.ID),
			Action:    audit.ActionDownloadRecord,
		})
	}
	return body, obj, nil
}
