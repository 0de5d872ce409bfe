package consent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
)

// -- in-memory fakes --

type mockRequestRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Request
	clock func() time.Time
}

func newMockRequestRepo() *mockRequestRepo {
	return &mockRequestRepo{store: make(map[uuid.UUID]*Request), clock: time.Now}
}

func (m *mockRequestRepo) Create(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	now := m.clock()
	r.RequestedAt, r.CreatedAt, r.UpdatedAt = now, now, now
	cp := *r
	m.store[r.ID] = &cp
	return nil
}

func (m *mockRequestRepo) GetByID(_ context.Context, id uuid.UUID) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRequestRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Request
	for _, r := range m.store {
		switch {
		case f.As == PartyDoctor && r.DoctorID == f.PrincipalID,
			f.As == PartyPatient && r.PatientID == f.PrincipalID,
			f.As == PartyAny && (r.DoctorID == f.PrincipalID || r.PatientID == f.PrincipalID):
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRequestRepo) Transition(_ context.Context, id, patientID uuid.UUID, from []Status, to Status) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok || r.PatientID != patientID {
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
	matched := false
	for _, f := range from {
		if r.Status == f {
			matched = true
		}
	}
	if !matched {
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
	r.Status = to
	if r.RespondedAt == nil {
		now := m.clock()
		r.RespondedAt = &now
	}
	cp := *r
	return &cp, nil
}

func (m *mockRequestRepo) approved(doctorID uuid.UUID, validOn *time.Time) []*Request {
	var out []*Request
	for _, r := range m.store {
		if r.DoctorID != doctorID || r.Status != StatusApproved {
			continue
		}
		if validOn != nil && r.Expired(*validOn) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *mockRequestRepo) HasApproved(_ context.Context, doctorID, patientID uuid.UUID, validOn *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.approved(doctorID, validOn) {
		if r.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRequestRepo) ApprovedPatientIDs(_ context.Context, doctorID uuid.UUID, validOn *time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, r := range m.approved(doctorID, validOn) {
		ids = append(ids, r.PatientID)
	}
	return ids, nil
}

type fakeResolver struct {
	byEmail map[string]*identity.Principal
}

func newFakeResolver(ps ...*identity.Principal) *fakeResolver {
	f := &fakeResolver{byEmail: make(map[string]*identity.Principal)}
	for _, p := range ps {
		f.byEmail[p.Email] = p
	}
	return f
}

func (f *fakeResolver) Resolve(_ context.Context, identifier, roleClaim string) (*identity.Principal, error) {
	email := identity.NormalizeIdentifier(identifier)
	if p, ok := f.byEmail[email]; ok {
		return p, nil
	}
	p := &identity.Principal{ID: uuid.New(), Email: email, Role: identity.Role(roleClaim)}
	f.byEmail[email] = p
	return p, nil
}

func principal(email string, role identity.Role) *identity.Principal {
	return &identity.Principal{ID: uuid.New(), Email: email, Role: role}
}

type fixture struct {
	svc     *Service
	repo    *mockRequestRepo
	doctor  *identity.Principal
	patient *identity.Principal
	reg     *prometheus.Registry
}

func newFixture(enforceExpiry bool) *fixture {
	doctor := principal("dr@example.com", identity.RoleDoctor)
	patient := principal("ana@example.com", identity.RolePatient)
	repo := newMockRequestRepo()
	reg := prometheus.NewRegistry()
	svc := NewService(repo, newFakeResolver(doctor, patient), enforceExpiry).WithMetrics(NewMetrics(reg))
	return &fixture{svc: svc, repo: repo, doctor: doctor, patient: patient, reg: reg}
}

func (f *fixture) request(t *testing.T) *Request {
	t.Helper()
	r, err := f.svc.Create(context.Background(), f.doctor, CreateInput{PatientEmail: f.patient.Email, Purpose: "follow-up"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

// -- tests --

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusDenied, true},
		{StatusApproved, StatusRevoked, true},
		{StatusPending, StatusRevoked, false},
		{StatusDenied, StatusApproved, false},
		{StatusRevoked, StatusApproved, false},
		{StatusApproved, StatusDenied, false},
		{StatusApproved, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(true)
	r := f.request(t)
	if r.Status != StatusPending {
		t.Errorf("expected pending, got %s", r.Status)
	}
	if r.RespondedAt != nil {
		t.Error("expected responded_at unset")
	}
	if r.RequestedAt.IsZero() {
		t.Error("expected requested_at set")
	}
	if r.PatientID != f.patient.ID || r.DoctorID != f.doctor.ID {
		t.Error("unexpected parties")
	}
}

func TestCreate_UpsertsUnknownPatient(t *testing.T) {
	f := newFixture(true)
	r, err := f.svc.Create(context.Background(), f.doctor, CreateInput{PatientEmail: " New@Example.com "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.PatientEmail != "new@example.com" {
		t.Errorf("expected normalized email, got %q", r.PatientEmail)
	}
	if r.Purpose != DefaultPurpose {
		t.Errorf("expected default purpose, got %q", r.Purpose)
	}
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	past := time.Now().AddDate(0, 0, -2).Format("2006-01-02")
	bad := "31/12/2030"
	other := principal("dr2@example.com", identity.RoleDoctor)
	f.svc.principals.(*fakeResolver).byEmail[other.Email] = other

	tests := []struct {
		name   string
		caller *identity.Principal
		in     CreateInput
		want   error
	}{
		{"patient caller", f.patient, CreateInput{PatientEmail: "x@example.com"}, apperr.ErrForbidden},
		{"missing email", f.doctor, CreateInput{PatientEmail: "  "}, apperr.ErrValidation},
		{"self", f.doctor, CreateInput{PatientEmail: f.doctor.Email}, apperr.ErrValidation},
		{"target not a patient", f.doctor, CreateInput{PatientEmail: other.Email}, apperr.ErrValidation},
		{"bad expiry", f.doctor, CreateInput{PatientEmail: f.patient.Email, ExpiryDate: &bad}, apperr.ErrValidation},
		{"past expiry", f.doctor, CreateInput{PatientEmail: f.patient.Email, ExpiryDate: &past}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Create(ctx, tt.caller, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(f.repo.store) != 0 {
		t.Error("rejected requests must not be stored")
	}
}

func TestRespond_UnrecognizedStatusLeavesRequestUnchanged(t *testing.T) {
	f := newFixture(true)
	r := f.request(t)
	for _, s := range []string{"accepted", "", "pending"} {
		if _, err := f.svc.Respond(context.Background(), f.patient, r.ID, s); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Respond(%q): expected validation error, got %v", s, err)
		}
	}
	got, _ := f.repo.GetByID(context.Background(), r.ID)
	if got.Status != StatusPending || got.RespondedAt != nil {
		t.Errorf("request changed: %+v", got)
	}
}

func TestRespond_ApproveThenRevokeKeepsRespondedAt(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	r := f.request(t)

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.repo.clock = func() time.Time { return first }
	approved, err := f.svc.Respond(ctx, f.patient, r.ID, "approved")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.RespondedAt == nil || !approved.RespondedAt.Equal(first) {
		t.Fatalf("expected responded_at %v, got %v", first, approved.RespondedAt)
	}

	f.repo.clock = func() time.Time { return first.Add(time.Hour) }
	revoked, err := f.svc.Respond(ctx, f.patient, r.ID, "REVOKED")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Errorf("expected revoked, got %s", revoked.Status)
	}
	if !revoked.RespondedAt.Equal(first) {
		t.Errorf("responded_at overwritten: %v", revoked.RespondedAt)
	}

	if got := testutil.ToFloat64(f.svc.metrics.transitions.WithLabelValues("pending", "approved")); got != 1 {
		t.Errorf("expected 1 pending->approved, got %v", got)
	}
	if got := testutil.ToFloat64(f.svc.metrics.transitions.WithLabelValues("approved", "revoked")); got != 1 {
		t.Errorf("expected 1 approved->revoked, got %v", got)
	}
}

func TestRespond_IllegalEdges(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()

	pending := f.request(t)
	if _, err := f.svc.Respond(ctx, f.patient, pending.ID, "revoked"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("pending->revoked: expected invalid transition, got %v", err)
	}

	denied := f.request(t)
	if _, err := f.svc.Respond(ctx, f.patient, denied.ID, "denied"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := f.svc.Respond(ctx, f.patient, denied.ID, "approved"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("denied->approved: expected invalid transition, got %v", err)
	}
	got, _ := f.repo.GetByID(ctx, denied.ID)
	if got.Status != StatusDenied {
		t.Errorf("expected status to stay denied, got %s", got.Status)
	}
}

func TestRespond_OnlyNamedPatient(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	r := f.request(t)

	if _, err := f.svc.Respond(ctx, f.doctor, r.ID, "approved"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("doctor: expected forbidden, got %v", err)
	}
	stranger := principal("eve@example.com", identity.RolePatient)
	if _, err := f.svc.Respond(ctx, stranger, r.ID, "approved"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stranger: expected not found, got %v", err)
	}
	if _, err := f.svc.Respond(ctx, f.patient, uuid.New(), "approved"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown id: expected not found, got %v", err)
	}
}

func TestRespond_ConcurrentResponsesSingleWinner(t *testing.T) {
	f := newFixture(true)
	r := f.request(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, s := range []string{"approved", "denied"} {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := f.svc.Respond(context.Background(), f.patient, r.ID, s)
			results <- err
		}(s)
	}
	wg.Wait()
	close(results)

	var ok, invalid int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, apperr.ErrInvalidTransition):
			invalid++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("expected one winner and one invalid transition, got ok=%d invalid=%d", ok, invalid)
	}
}

func TestVisibilityFollowsConsentState(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()

	check := func(want bool, stage string) {
		t.Helper()
		got, err := f.svc.HasApproved(ctx, f.doctor.ID, f.patient.ID)
		if err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
		if got != want {
			t.Errorf("%s: HasApproved = %v, want %v", stage, got, want)
		}
	}

	r := f.request(t)
	check(false, "pending")
	f.svc.Respond(ctx, f.patient, r.ID, "approved")
	check(true, "approved")
	ids, _ := f.svc.ApprovedPatientIDs(ctx, f.doctor.ID)
	if len(ids) != 1 || ids[0] != f.patient.ID {
		t.Errorf("expected patient in approved set, got %v", ids)
	}
	f.svc.Respond(ctx, f.patient, r.ID, "revoked")
	check(false, "revoked")

	d := f.request(t)
	f.svc.Respond(ctx, f.patient, d.ID, "denied")
	check(false, "denied")
}

func TestHasApproved_ExpiryFlag(t *testing.T) {
	for _, enforce := range []bool{true, false} {
		f := newFixture(enforce)
		ctx := context.Background()
		r := f.request(t)
		f.svc.Respond(ctx, f.patient, r.ID, "approved")

		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		f.repo.store[r.ID].ExpiryDate = &yesterday

		got, _ := f.svc.HasApproved(ctx, f.doctor.ID, f.patient.ID)
		if got == enforce {
			t.Errorf("enforce=%v: expired consent HasApproved = %v", enforce, got)
		}

		today := time.Now().UTC()
		f.repo.store[r.ID].ExpiryDate = &today
		if got, _ := f.svc.HasApproved(ctx, f.doctor.ID, f.patient.ID); !got {
			t.Errorf("enforce=%v: consent expiring today should still be valid", enforce)
		}
	}
}

func TestListAndGet(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	r := f.request(t)

	items, total, err := f.svc.List(ctx, f.doctor, "doctor", 20, 0)
	if err != nil || total != 1 || len(items) != 1 {
		t.Fatalf("doctor list: items=%d total=%d err=%v", len(items), total, err)
	}
	if _, total, _ := f.svc.List(ctx, f.doctor, "patient", 20, 0); total != 0 {
		t.Errorf("expected no received requests for doctor, got %d", total)
	}
	if _, total, _ := f.svc.List(ctx, f.patient, "", 20, 0); total != 1 {
		t.Errorf("expected patient to see the request, got %d", total)
	}
	if _, _, err := f.svc.List(ctx, f.patient, "admin", 20, 0); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for bad filter, got %v", err)
	}

	if _, err := f.svc.Get(ctx, f.patient, r.ID); err != nil {
		t.Errorf("patient get: %v", err)
	}
	stranger := principal("eve@example.com", identity.RoleDoctor)
	if _, err := f.svc.Get(ctx, stranger, r.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stranger get: expected not found, got %v", err)
	}
}
