package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/jeeva/jeeva/internal/domain/audit"
	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/domain/visibility"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/gemini"
)

// -- fakes --

type mockInsightRepo struct {
	mu     sync.Mutex
	store  []*Insight
	err    error
	ctxErr error
}

func (m *mockInsightRepo) Create(ctx context.Context, in *Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	if m.err != nil {
		return m.err
	}
	in.ID = uuid.New()
	in.CreatedAt = time.Now().Add(time.Duration(len(m.store)) * time.Millisecond)
	cp := *in
	m.store = append(m.store, &cp)
	return nil
}

func (m *mockInsightRepo) GetByID(_ context.Context, id uuid.UUID) (*Insight, error) {
	for _, in := range m.store {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, fmt.Errorf("insight: %w", apperr.ErrNotFound)
}

func (m *mockInsightRepo) ListByPatients(_ context.Context, ids []uuid.UUID, limit, offset int) ([]*Insight, int, error) {
	var out []*Insight
	for i := len(m.store) - 1; i >= 0; i-- {
		for _, id := range ids {
			if m.store[i].PatientID == id {
				out = append(out, m.store[i])
			}
		}
	}
	return out, len(out), nil
}

type fakeGenerator struct {
	text  string
	err   error
	delay time.Duration
	calls int
	last  gemini.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, req gemini.Request) (string, error) {
	g.calls++
	g.last = req
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.text, g.err
}

type fakeConsents map[[2]uuid.UUID]bool

func (f fakeConsents) HasApproved(_ context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	return f[[2]uuid.UUID{doctorID, patientID}], nil
}

func (f fakeConsents) ApprovedPatientIDs(_ context.Context, doctorID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for k, ok := range f {
		if ok && k[0] == doctorID {
			ids = append(ids, k[1])
		}
	}
	return ids, nil
}

type fakePrincipals map[string]*identity.Principal

func (f fakePrincipals) Lookup(_ context.Context, identifier string) (*identity.Principal, error) {
	if p, ok := f[identity.NormalizeIdentifier(identifier)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("principal: %w", apperr.ErrNotFound)
}

type recordedLogs struct {
	mu      sync.Mutex
	entries []audit.AccessLog
}

func (r *recordedLogs) Record(_ context.Context, e audit.AccessLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type env struct {
	svc        *Service
	repo       *mockInsightRepo
	gen        *fakeGenerator
	consents   fakeConsents
	logs       *recordedLogs
	metrics    *Metrics
	doctor     *identity.Principal
	patient    *identity.Principal
	stranger   *identity.Principal
	principals fakePrincipals
}

func newEnv(gen *fakeGenerator) *env {
	e := &env{
		repo:     &mockInsightRepo{},
		gen:      gen,
		consents: fakeConsents{},
		logs:     &recordedLogs{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		doctor:   &identity.Principal{ID: uuid.New(), Email: "dr@example.com", Role: identity.RoleDoctor},
		patient:  &identity.Principal{ID: uuid.New(), Email: "ana@example.com", Role: identity.RolePatient},
		stranger: &identity.Principal{ID: uuid.New(), Email: "bo@example.com", Role: identity.RolePatient},
	}
	e.principals = fakePrincipals{}
	for _, p := range []*identity.Principal{e.doctor, e.patient, e.stranger} {
		e.principals[p.Email] = p
	}
	deps := Deps{
		Insights:   e.repo,
		Consents:   e.consents,
		Principals: e.principals,
		Policy:     visibility.NewPolicy(e.consents, e.principals),
		Auditor:    e.logs,
		Timeout:    time.Second,
		Metrics:    e.metrics,
		Logger:     zerolog.Nop(),
	}
	if gen != nil {
		deps.Generator = gen
	}
	e.svc = NewService(deps)
	return e
}

func (e *env) approve() { e.consents[[2]uuid.UUID{e.doctor.ID, e.patient.ID}] = true }

const structuredReply = "```json\n{\"summary\":\"Elevated HbA1c\",\"indicators\":[\"HbA1c 7.9%\",\"fasting glucose 140\"],\"risk_level\":\"medium\",\"recommendations\":[\"Repeat test in 3 months\",\"Diet review\"]}\n```"

// -- analyze --

func TestAnalyze_PatientRoundTrip(t *testing.T) {
	e := newEnv(&fakeGenerator{text: structuredReply})
	recordID := uuid.New().String()

	ins, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{
		RecordID: &recordID, RecordText: "HbA1c 7.9%", RecordType: "lab_report",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ins.PatientID != e.patient.ID || ins.InsightType != "lab_report" {
		t.Errorf("unexpected insight: %+v", ins)
	}
	if ins.RecordID == nil || ins.RecordID.String() != recordID {
		t.Error("expected record id to be kept as given")
	}
	assertJSONEqual(t, string(ins.Content), `{"summary":"Elevated HbA1c","indicators":["HbA1c 7.9%","fasting glucose 140"],"risk_level":"medium","recommendations":["Repeat test in 3 months","Diet review"]}`)
	if ins.RiskLevel == nil || *ins.RiskLevel != "medium" {
		t.Errorf("expected risk medium, got %v", ins.RiskLevel)
	}
	assertJSONEqual(t, string(ins.Recommendations), `["Repeat test in 3 months","Diet review"]`)
	if len(e.repo.store) != 1 {
		t.Errorf("expected one stored insight, got %d", len(e.repo.store))
	}
	if len(e.logs.entries) != 0 {
		t.Error("patient self-analysis must not be audited")
	}
	if !strings.Contains(e.gen.last.Prompt, "HbA1c 7.9%") || e.gen.last.Image != nil {
		t.Errorf("unexpected provider request: %+v", e.gen.last)
	}
	if got := testutil.ToFloat64(e.metrics.providerRequests.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected one ok call, got %v", got)
	}
}

func TestAnalyze_DoctorWithoutConsentIsDenied(t *testing.T) {
	e := newEnv(&fakeGenerator{text: structuredReply})
	for _, target := range []string{e.patient.Email, "ghost@example.com"} {
		_, err := e.svc.Analyze(context.Background(), e.doctor, AnalyzeInput{RecordText: "x", PatientEmail: target})
		if !errors.Is(err, apperr.ErrConsentDenied) {
			t.Errorf("%s: expected consent denied, got %v", target, err)
		}
	}
	if len(e.repo.store) != 0 || e.gen.calls != 0 || len(e.logs.entries) != 0 {
		t.Errorf("denied analysis had side effects: stored=%d calls=%d logs=%d", len(e.repo.store), e.gen.calls, len(e.logs.entries))
	}
}

func TestAnalyze_DoctorWithConsent(t *testing.T) {
	e := newEnv(&fakeGenerator{text: `{"risk_level":"low"}`})
	e.approve()

	ins, err := e.svc.Analyze(context.Background(), e.doctor, AnalyzeInput{
		RecordText: "scan", PatientEmail: "ANA@example.com", ImageBase64: "aGVsbG8=",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ins.PatientID != e.patient.ID {
		t.Error("expected insight stored against the consenting patient")
	}
	if ins.InsightType != DefaultRecordType {
		t.Errorf("expected default record type, got %q", ins.InsightType)
	}
	if e.gen.last.Image == nil || e.gen.last.Image.MimeType != "image/png" {
		t.Errorf("expected inline image with default mime, got %+v", e.gen.last.Image)
	}
	if len(e.logs.entries) != 1 || e.logs.entries[0].Action != audit.ActionAnalyzeRecord {
		t.Errorf("expected analyze_record audit, got %+v", e.logs.entries)
	}
}

func TestAnalyze_ParseFallback(t *testing.T) {
	e := newEnv(&fakeGenerator{text: "not json at all"})
	ins, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{RecordText: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertJSONEqual(t, string(ins.Content), `{"raw":"not json at all"}`)
	if ins.RiskLevel != nil || ins.Recommendations != nil {
		t.Error("expected no risk level or recommendations")
	}
	if got := testutil.ToFloat64(e.metrics.parseFallbacks); got != 1 {
		t.Errorf("expected parse fallback counted, got %v", got)
	}
}

func TestAnalyze_EmptyReply(t *testing.T) {
	e := newEnv(&fakeGenerator{text: ""})
	ins, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ins.Content) != "{}" {
		t.Errorf("expected empty object, got %s", ins.Content)
	}
}

func TestAnalyze_ProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		gen     *fakeGenerator
		outcome string
	}{
		{"upstream error", &fakeGenerator{err: &gemini.APIError{StatusCode: 503, Message: "overloaded"}}, "error"},
		{"timeout", &fakeGenerator{delay: 5 * time.Second}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(tt.gen)
			e.svc.timeout = 20 * time.Millisecond
			_, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{RecordText: "x"})
			if !errors.Is(err, apperr.ErrProvider) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if apperr.Status(err) != http.StatusBadGateway {
				t.Errorf("expected 502, got %d", apperr.Status(err))
			}
			if tt.gen.calls != 1 {
				t.Errorf("expected exactly one attempt, got %d", tt.gen.calls)
			}
			if len(e.repo.store) != 0 {
				t.Error("no insight should be stored on provider failure")
			}
			if got := testutil.ToFloat64(e.metrics.providerRequests.WithLabelValues(tt.outcome)); got != 1 {
				t.Errorf("expected outcome %s counted, got %v", tt.outcome, got)
			}
		})
	}
	e := newEnv(&fakeGenerator{err: &gemini.APIError{StatusCode: 503, Message: "overloaded"}})
	_, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{})
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("expected upstream detail in %q", err.Error())
	}
}

func TestAnalyze_PersistFailureIsProviderError(t *testing.T) {
	e := newEnv(&fakeGenerator{text: "{}"})
	e.repo.err = errors.New("connection reset")
	_, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{})
	if !errors.Is(err, apperr.ErrProvider) {
		t.Errorf("expected provider error, got %v", err)
	}
}

func TestAnalyze_PersistsAfterCallerCancels(t *testing.T) {
	e := newEnv(&fakeGenerator{text: "{}"})
	ctx, cancel := context.WithCancel(context.Background())
	gen := &cancellingGenerator{text: `{"summary":"s"}`, cancel: cancel}
	e.svc.generator = gen

	if _, err := e.svc.Analyze(ctx, e.patient, AnalyzeInput{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.repo.ctxErr != nil {
		t.Errorf("expected detached persistence context, got %v", e.repo.ctxErr)
	}
}

type cancellingGenerator struct {
	text   string
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Generate(context.Context, gemini.Request) (string, error) {
	g.cancel()
	return g.text, nil
}

func TestAnalyze_Unconfigured(t *testing.T) {
	e := newEnv(nil)
	_, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{RecordText: "x"})
	if !errors.Is(err, apperr.ErrProviderUnconfigured) {
		t.Fatalf("expected unconfigured error, got %v", err)
	}
	if apperr.Status(err) != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", apperr.Status(err))
	}
}

func TestAnalyze_Validation(t *testing.T) {
	e := newEnv(&fakeGenerator{text: "{}"})
	bad := "record-1"
	if _, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{RecordID: &bad}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := e.svc.Analyze(context.Background(), e.patient, AnalyzeInput{RecordType: strings.Repeat("x", 121)}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// -- list / get --

func TestList_VisibilityAndAudit(t *testing.T) {
	e := newEnv(&fakeGenerator{text: `{"risk_level":"low"}`})
	ctx := context.Background()
	mine, _ := e.svc.Analyze(ctx, e.patient, AnalyzeInput{})
	e.svc.Analyze(ctx, e.stranger, AnalyzeInput{})

	items, total, err := e.svc.List(ctx, e.patient, ListInput{Limit: 20})
	if err != nil || total != 1 || items[0].ID != mine.ID {
		t.Fatalf("patient list: items=%v total=%d err=%v", items, total, err)
	}
	if len(e.logs.entries) != 0 {
		t.Error("patient list must not be audited")
	}

	_, total, _ = e.svc.List(ctx, e.doctor, ListInput{Limit: 20})
	if total != 0 {
		t.Errorf("doctor without consent should see nothing, got %d", total)
	}
	e.approve()
	items, total, _ = e.svc.List(ctx, e.doctor, ListInput{Limit: 20, PatientEmail: e.patient.Email})
	if total != 1 || items[0].PatientID != e.patient.ID {
		t.Errorf("doctor with consent: expected one insight, got %d", total)
	}
	if len(e.logs.entries) != 2 {
		t.Fatalf("expected one audit entry per doctor list, got %d", len(e.logs.entries))
	}
	last := e.logs.entries[1]
	if last.Action != audit.ActionListInsights || last.PatientID == nil || *last.PatientID != e.patient.ID {
		t.Errorf("unexpected audit entry: %+v", last)
	}
	if e.logs.entries[0].PatientID != nil {
		t.Error("unfiltered doctor list should audit without a patient")
	}
}

func TestGet(t *testing.T) {
	e := newEnv(&fakeGenerator{text: "{}"})
	ctx := context.Background()
	ins, _ := e.svc.Analyze(ctx, e.patient, AnalyzeInput{})

	if _, err := e.svc.Get(ctx, e.stranger, "", ins.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("stranger: expected not found, got %v", err)
	}
	if _, err := e.svc.Get(ctx, e.doctor, "", ins.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("doctor without consent: expected not found, got %v", err)
	}
	e.approve()
	if _, err := e.svc.Get(ctx, e.doctor, "", ins.ID); err != nil {
		t.Fatalf("doctor with consent: %v", err)
	}
	if len(e.logs.entries) != 1 || e.logs.entries[0].Action != audit.ActionViewInsight {
		t.Errorf("expected view_insight audit, got %+v", e.logs.entries)
	}
}

// -- handler --

func TestHandler_AnalyzeStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		gen    *fakeGenerator
		body   string
		doctor bool
		want   int
	}{
		{"created", &fakeGenerator{text: "{}"}, `{"record_text":"x"}`, false, http.StatusCreated},
		{"consent denied", &fakeGenerator{text: "{}"}, `{"record_text":"x","patient_email":"ana@example.com"}`, true, http.StatusForbidden},
		{"provider down", &fakeGenerator{err: errors.New("dial tcp: refused")}, `{"record_text":"x"}`, false, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			en := newEnv(tt.gen)
			caller := en.patient
			if tt.doctor {
				caller = en.doctor
			}
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/insights/analyze", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			req = req.WithContext(identity.WithPrincipal(req.Context(), caller))
			rec := httptest.NewRecorder()
			err := NewHandler(en.svc, 1<<10).Analyze(e.NewContext(req, rec))
			if tt.want == http.StatusCreated {
				if err != nil || rec.Code != http.StatusCreated {
					t.Fatalf("expected 201, got %d err=%v", rec.Code, err)
				}
				var ins Insight
				if err := json.Unmarshal(rec.Body.Bytes(), &ins); err != nil {
					t.Fatalf("decode: %v", err)
				}
				return
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.want {
				t.Errorf("expected %d, got %v", tt.want, err)
			}
		})
	}
}

func TestHandler_AnalyzeRejectsOversizedBody(t *testing.T) {
	gen := &fakeGenerator{text: "{}"}
	en := newEnv(gen)
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(identity.WithPrincipal(c.Request().Context(), en.patient)))
			return next(c)
		}
	})
	NewHandler(en.svc, 1<<10).RegisterRoutes(api)

	body := `{"record_text":"x","image_mime":"image/png","image_base64":"` + strings.Repeat("A", 128<<10) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/insights/analyze", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if gen.calls != 0 {
		t.Errorf("provider should not be called, got %d calls", gen.calls)
	}
}

func TestHandler_ListIsNotCacheable(t *testing.T) {
	en := newEnv(&fakeGenerator{text: "{}"})
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(identity.WithPrincipal(c.Request().Context(), en.patient)))
			return next(c)
		}
	})
	NewHandler(en.svc, 1<<10).RegisterRoutes(api)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ai/insights", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("expected no-store, got %q", cc)
	}
	if rec.Header().Get("Pragma") != "no-cache" {
		t.Error("expected Pragma: no-cache")
	}
}
