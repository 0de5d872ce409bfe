package insight

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

type insightRepoPG struct{ pool *pgxpool.Pool }

func NewInsightRepoPG(pool *pgxpool.Pool) InsightRepository {
	return &insightRepoPG{pool: pool}
}

func (r *insightRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const insightCols = `id, patient_id, record_id, insight_type, content, risk_level, recommendations, created_at`

func (r *insightRepoPG) scanRow(row pgx.Row) (*Insight, error) {
	var in Insight
	var content, recs []byte
	err := row.Scan(&in.ID, &in.PatientID, &in.RecordID, &in.InsightType, &content, &in.RiskLevel, &recs, &in.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("insight: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	in.Content = content
	if recs != nil {
		in.Recommendations = recs
	}
	return &in, nil
}

func (r *insightRepoPG) Create(ctx context.Context, in *Insight) error {
	in.ID = uuid.New()
	var recs []byte
	if in.Recommendations != nil {
		recs = in.Recommendations
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ai_insight (id, patient_id, record_id, insight_type, content, risk_level, recommendations)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb)
		RETURNING created_at`,
		in.ID, in.PatientID, in.RecordID, in.InsightType, string(in.Content), in.RiskLevel, nullableJSON(recs),
	).Scan(&in.CreatedAt)
}

func nullableJSON(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func (r *insightRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Insight, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+insightCols+` FROM ai_insight WHERE id = $1`, id))
}

func (r *insightRepoPG) ListByPatients(ctx context.Context, patientIDs []uuid.UUID, limit, offset int) ([]*Insight, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ai_insight WHERE patient_id = ANY($1)`, patientIDs).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+insightCols+` FROM ai_insight
		WHERE patient_id = ANY($1)
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, patientIDs, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Insight
	for rows.Next() {
		in, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, in)
	}
	return items, total, rows.Err()
}
