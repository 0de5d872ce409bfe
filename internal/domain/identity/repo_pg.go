package identity

import (
	"context"
	"errors"
	"fmt"

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

type principalRepoPG struct{ pool *pgxpool.Pool }

func NewPrincipalRepoPG(pool *pgxpool.Pool) PrincipalRepository {
	return &principalRepoPG{pool: pool}
}

func (r *principalRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const principalCols = `id, email, role, first_name, last_name, phone, specialization,
	license_number, hospital_affiliation, date_of_birth, gender, address,
	emergency_contact, created_at, updated_at`

func (r *principalRepoPG) scan(row pgx.Row) (*Principal, error) {
	var p Principal
	err := row.Scan(&p.ID, &p.Email, &p.Role, &p.FirstName, &p.LastName, &p.Phone, &p.Specialization,
		&p.LicenseNumber, &p.HospitalAffiliation, &p.DateOfBirth, &p.Gender, &p.Address,
		&p.EmergencyContact, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("principal: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Upsert relies on the unique email constraint. The no-op DO UPDATE makes
// RETURNING yield the existing row, whose role is left untouched.
func (r *principalRepoPG) Upsert(ctx context.Context, email string, role Role) (*Principal, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO principal (id, email, role, first_name, last_name)
		VALUES ($1, $2, $3, '', '')
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+principalCols,
		uuid.New(), email, role))
}

func (r *principalRepoPG) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+principalCols+` FROM principal WHERE email = $1`, email))
}

func (r *principalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Principal, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+principalCols+` FROM principal WHERE id = $1`, id))
}

func (r *principalRepoPG) Update(ctx context.Context, p *Principal) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE principal SET first_name=$2, last_name=$3, phone=$4, specialization=$5,
			license_number=$6, hospital_affiliation=$7, date_of_birth=$8, gender=$9,
			address=$10, emergency_contact=$11, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.Specialization,
		p.LicenseNumber, p.HospitalAffiliation, p.DateOfBirth, p.Gender,
		p.Address, p.EmergencyContact)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("principal: %w", apperr.ErrNotFound)
	}
	return nil
}

func (r *principalRepoPG) SetRole(ctx context.Context, id uuid.UUID, role Role) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE principal SET role=$2, updated_at=NOW() WHERE id = $1`, id, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("principal: %w", apperr.ErrNotFound)
	}
	return nil
}
