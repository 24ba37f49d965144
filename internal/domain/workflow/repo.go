package workflow

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no run matches the lookup.
var ErrNotFound = errors.New("workflow run not found")

// Repository persists workflow runs.
type Repository interface {
	Create(ctx context.Context, run *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	Update(ctx context.Context, run *Run) error
	ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Run, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Run, error)
}
