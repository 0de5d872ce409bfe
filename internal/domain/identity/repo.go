package identity

import (
	"context"

	"github.com/google/uuid"
)

type PrincipalRepository interface {
	// Upsert returns the principal for email, inserting it with role when unseen.
	Upsert(ctx context.Context, email string, role Role) (*Principal, error)
	GetByEmail(ctx context.Context, email string) (*Principal, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Principal, error)
	Update(ctx context.Context, p *Principal) error
	SetRole(ctx context.Context, id uuid.UUID, role Role) error
}
