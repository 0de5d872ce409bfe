package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/domain/identity"
)

type mockAccessLogRepo struct {
	mu      sync.Mutex
	entries []*AccessLog
	err     error
	ctxErr  error
}

func (m *mockAccessLogRepo) Create(ctx context.Context, e *AccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockAccessLogRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*AccessLog, int, error) {
	var out []*AccessLog
	for _, e := range m.entries {
		if f.DoctorID != nil && e.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && (e.PatientID == nil || *e.PatientID != *f.PatientID) {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func TestRecord_Appends(t *testing.T) {
	repo := &mockAccessLogRepo{}
	a := NewAuditor(repo, zerolog.Nop(), prometheus.NewRegistry())
	doctor, patient := uuid.New(), uuid.New()

	a.Record(context.Background(), AccessLog{DoctorID: doctor, PatientID: Ptr(patient), Action: ActionListRecords})

	if len(repo.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(repo.entries))
	}
	e := repo.entries[0]
	if e.DoctorID != doctor || *e.PatientID != patient || e.Action != ActionListRecords {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestRecord_SurvivesCancelledContext(t *testing.T) {
	repo := &mockAccessLogRepo{}
	a := NewAuditor(repo, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a.Record(ctx, AccessLog{DoctorID: uuid.New(), Action: ActionViewRecord})
	if repo.ctxErr != nil {
		t.Errorf("expected write context to be detached, got %v", repo.ctxErr)
	}
	if len(repo.entries) != 1 {
		t.Error("expected entry written")
	}
}

func TestRecord_FailureIsLoggedAndCounted(t *testing.T) {
	repo := &mockAccessLogRepo{err: errors.New("disk full")}
	var buf bytes.Buffer
	a := NewAuditor(repo, zerolog.New(&buf), prometheus.NewRegistry())

	a.Record(context.Background(), AccessLog{DoctorID: uuid.New(), PatientID: Ptr(uuid.New()), Action: ActionListInsights})

	if got := testutil.ToFloat64(a.failures); got != 1 {
		t.Errorf("expected failure counter 1, got %v", got)
	}
	if !strings.Contains(buf.String(), "access log write failed") || !strings.Contains(buf.String(), "patient_id") {
		t.Errorf("expected failure log, got %q", buf.String())
	}
}

func TestList_ScopedByRole(t *testing.T) {
	repo := &mockAccessLogRepo{}
	a := NewAuditor(repo, zerolog.Nop(), nil)
	ctx := context.Background()

	doctor := &identity.Principal{ID: uuid.New(), Role: identity.RoleDoctor}
	patient := &identity.Principal{ID: uuid.New(), Role: identity.RolePatient}
	admin := &identity.Principal{ID: uuid.New(), Role: identity.RoleAdmin}

	a.Record(ctx, AccessLog{DoctorID: doctor.ID, PatientID: Ptr(patient.ID), Action: ActionListRecords})
	a.Record(ctx, AccessLog{DoctorID: doctor.ID, Action: ActionListRecords})
	a.Record(ctx, AccessLog{DoctorID: uuid.New(), PatientID: Ptr(uuid.New()), Action: ActionViewRecord})

	tests := []struct {
		name   string
		caller *identity.Principal
		want   int
	}{
		{"patient", patient, 1},
		{"doctor", doctor, 2},
		{"admin", admin, 3},
	}
	for _, tt := range tests {
		_, total, err := a.List(ctx, tt.caller, 20, 0)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if total != tt.want {
			t.Errorf("%s: expected %d entries, got %d", tt.name, tt.want, total)
		}
	}
}

func TestHandler_List(t *testing.T) {
	repo := &mockAccessLogRepo{}
	a := NewAuditor(repo, zerolog.Nop(), nil)
	patient := &identity.Principal{ID: uuid.New(), Role: identity.RolePatient}
	a.Record(context.Background(), AccessLog{DoctorID: uuid.New(), PatientID: Ptr(patient.ID), Action: ActionViewRecord})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/access-logs", nil)
	req = req.WithContext(identity.WithPrincipal(req.Context(), patient))
	rec := httptest.NewRecorder()
	if err := NewHandler(a).List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Results []AccessLog `json:"results"`
		Count   int         `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Results[0].Action != ActionViewRecord {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}

func TestHandler_ListIsNotCacheable(t *testing.T) {
	a := NewAuditor(&mockAccessLogRepo{}, zerolog.Nop(), nil)
	patient := &identity.Principal{ID: uuid.New(), Role: identity.RolePatient}

	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(identity.WithPrincipal(c.Request().Context(), patient)))
			return next(c)
		}
	})
	NewHandler(a).RegisterRoutes(api)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/access-logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("expected no-store, got %q", cc)
	}
}
