package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
)

// Auditor appends access log entries. A failed write is logged and counted
// but never surfaces to the caller.
type Auditor struct {
	logs     AccessLogRepository
	logger   zerolog.Logger
	failures prometheus.Counter
}

func NewAuditor(logs AccessLogRepository, logger zerolog.Logger, reg prometheus.Registerer) *Auditor {
	a := &Auditor{
		logs:   logs,
		logger: logger.With().Str("component", "audit").Logger(),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jeeva_access_log_write_failures_total",
			Help: "Access log entries that could not be written.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.failures)
	}
	return a
}

// Record writes entry. The write is detached from ctx cancellation so that an
// access that was served is still logged when the client goes away.
func (a *Auditor) Record(ctx context.Context, entry AccessLog) {
	if err := a.logs.Create(context.WithoutCancel(ctx), &entry); err != nil {
		a.failures.Inc()
		ev := a.logger.Error().Err(err).
			Str("doctor_id", entry.DoctorID.String()).
			Str("action", string(entry.Action))
		if entry.PatientID != nil {
			ev = ev.Str("patient_id", entry.PatientID.String())
		}
		ev.Msg("access log write failed")
	}
}

// List returns the entries visible to caller: patients see who accessed their
// data, doctors see their own accesses, admins see everything.
func (a *Auditor) List(ctx context.Context, caller *identity.Principal, limit, offset int) ([]*AccessLog, int, error) {
	var f ListFilter
	switch {
	case caller.IsAdmin():
	case caller.IsDoctor():
		f.DoctorID = &caller.ID
	case caller.IsPatient():
		f.PatientID = &caller.ID
	default:
		return nil, 0, fmt.Errorf("%w: unknown role", apperr.ErrForbidden)
	}
	return a.logs.List(ctx, f, limit, offset)
}

// Ptr is a convenience for optional id fields.
func Ptr(id uuid.UUID) *uuid.UUID { return &id }
