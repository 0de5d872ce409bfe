package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RequestRepository interface {
	Create(ctx context.Context, r *Request) error
	GetByID(ctx context.Context, id uuid.UUID) (*Request, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Request, int, error)
	// Transition moves the request owned by patientID from one of from to to in a
	// single conditional write. It reports ErrNotFound when no row matched.
	Transition(ctx context.Context, id, patientID uuid.UUID, from []Status, to Status) (*Request, error)
	// HasApproved and ApprovedPatientIDs ignore requests whose expiry date falls
	// before validOn when validOn is non-nil.
	HasApproved(ctx context.Context, doctorID, patientID uuid.UUID, validOn *time.Time) (bool, error)
	ApprovedPatientIDs(ctx context.Context, doctorID uuid.UUID, validOn *time.Time) ([]uuid.UUID, error)
}
