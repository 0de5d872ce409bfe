package records

import (
	"context"

	"github.com/google/uuid"
)

type RecordRepository interface {
	Create(ctx context.Context, r *HealthRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*HealthRecord, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*HealthRecord, int, error)
}
