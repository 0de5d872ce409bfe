package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordRepository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, patient_id, doctor_id, record_type, title, description, file_url, file_type,
	date_recorded, hospital_name, created_at, updated_at`

func (r *recordRepoPG) scanRow(row pgx.Row) (*HealthRecord, error) {
	var h HealthRecord
	err := row.Scan(&h.ID, &h.PatientID, &h.DoctorID, &h.RecordType, &h.Title, &h.Description,
		&h.FileURL, &h.FileType, &h.DateRecorded, &h.HospitalName, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("health record: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *recordRepoPG) Create(ctx context.Context, h *HealthRecord) error {
	h.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO health_record (id, patient_id, doctor_id, record_type, title, description,
			file_url, file_type, date_recorded, hospital_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		h.ID, h.PatientID, h.DoctorID, h.RecordType, h.Title, h.Description,
		h.FileURL, h.FileType, h.DateRecorded, h.HospitalName,
	).Scan(&h.CreatedAt, &h.UpdatedAt)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM health_record WHERE id = $1`, id))
}

func (r *recordRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*HealthRecord, int, error) {
	where := ` WHERE patient_id = ANY($1)`
	args := []interface{}{f.PatientIDs}
	if f.RecordType != "" {
		where += ` AND record_type = $2`
		args = append(args, f.RecordType)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM health_record`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM health_record%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		recordCols, where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*HealthRecord
	for rows.Next() {
		h, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}
