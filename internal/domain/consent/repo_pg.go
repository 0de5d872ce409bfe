package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type requestRepoPG struct{ pool *pgxpool.Pool }

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const requestCols = `c.id, c.patient_id, c.doctor_id, p.email, d.email, c.status, c.purpose,
	c.expiry_date, c.requested_at, c.responded_at, c.created_at, c.updated_at`

const requestFrom = ` FROM consent_request c
	JOIN principal p ON p.id = c.patient_id
	JOIN principal d ON d.id = c.doctor_id`

func (r *requestRepoPG) scanRow(row pgx.Row) (*Request, error) {
	var c Request
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &c.PatientEmail, &c.DoctorEmail, &c.Status,
		&c.Purpose, &c.ExpiryDate, &c.RequestedAt, &c.RespondedAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("consent request: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *requestRepoPG) Create(ctx context.Context, c *Request) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consent_request (id, patient_id, doctor_id, status, purpose, expiry_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING requested_at, created_at, updated_at`,
		c.ID, c.PatientID, c.DoctorID, c.Status, c.Purpose, c.ExpiryDate,
	).Scan(&c.RequestedAt, &c.CreatedAt, &c.UpdatedAt)
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Request, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+requestFrom+` WHERE c.id = $1`, id))
}

func (r *requestRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error) {
	var where string
	switch f.As {
	case PartyDoctor:
		where = ` WHERE c.doctor_id = $1`
	case PartyPatient:
		where = ` WHERE c.patient_id = $1`
	default:
		where = ` WHERE (c.doctor_id = $1 OR c.patient_id = $1)`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+requestFrom+where, f.PrincipalID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requestCols+requestFrom+where+`
		ORDER BY c.created_at DESC, c.id DESC LIMIT $2 OFFSET $3`, f.PrincipalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Request
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// Transition keys the UPDATE on the current status so that concurrent
// responses cannot both succeed. responded_at is only ever set once.
func (r *requestRepoPG) Transition(ctx context.Context, id, patientID uuid.UUID, from []Status, to Status) (*Request, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		WITH c AS (
			UPDATE consent_request
			SET status = $4, responded_at = COALESCE(responded_at, NOW()), updated_at = NOW()
			WHERE id = $1 AND patient_id = $2 AND status = ANY($3)
			RETURNING *
		)
		SELECT `+requestCols+` FROM c
		JOIN principal p ON p.id = c.patient_id
		JOIN principal d ON d.id = c.doctor_id`,
		id, patientID, fromStrs, to))
}

func (r *requestRepoPG) HasApproved(ctx context.Context, doctorID, patientID uuid.UUID, validOn *time.Time) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM consent_request
			WHERE doctor_id = $1 AND patient_id = $2 AND status = 'approved'
			  AND ($3::date IS NULL OR expiry_date IS NULL OR expiry_date >= $3::date)
		)`, doctorID, patientID, validOn).Scan(&ok)
	return ok, err
}

func (r *requestRepoPG) ApprovedPatientIDs(ctx context.Context, doctorID uuid.UUID, validOn *time.Time) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT patient_id FROM consent_request
		WHERE doctor_id = $1 AND status = 'approved'
		  AND ($2::date IS NULL OR expiry_date IS NULL OR expiry_date >= $2::date)`,
		doctorID, validOn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
