package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeeva/jeeva/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type accessLogRepoPG struct{ pool *pgxpool.Pool }

func NewAccessLogRepoPG(pool *pgxpool.Pool) AccessLogRepository {
	return &accessLogRepoPG{pool: pool}
}

func (r *accessLogRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *accessLogRepoPG) Create(ctx context.Context, e *AccessLog) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO access_log (id, doctor_id, patient_id, record_id, action, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		e.ID, e.DoctorID, e.PatientID, e.RecordID, e.Action, e.Reason,
	).Scan(&e.CreatedAt)
}

func (r *accessLogRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*AccessLog, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		conds = append(conds, fmt.Sprintf("a.doctor_id = $%d", len(args)))
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		conds = append(conds, fmt.Sprintf("a.patient_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_log a`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT a.id, a.doctor_id, d.email, a.patient_id, a.record_id, a.action, a.reason, a.created_at
		FROM access_log a JOIN principal d ON d.id = a.doctor_id%s
		ORDER BY a.created_at DESC, a.id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AccessLog
	for rows.Next() {
		var e AccessLog
		if err := rows.Scan(&e.ID, &e.DoctorID, &e.DoctorEmail, &e.PatientID, &e.RecordID,
			&e.Action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
