package insight

import (
	"context"

	"github.com/google/uuid"
)

type InsightRepository interface {
	Create(ctx context.Context, in *Insight) error
	GetByID(ctx context.Context, id uuid.UUID) (*Insight, error)
	// ListByPatients returns insights for any of patientIDs, newest first.
	ListByPatients(ctx context.Context, patientIDs []uuid.UUID, limit, offset int) ([]*Insight, int, error)
}
