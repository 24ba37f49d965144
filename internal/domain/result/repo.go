package result

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("result not found")

// Repository persists result records. Upsert is keyed on the unique pair
// (message id, set id): an existing row is updated in place and reports
// created=false.
type Repository interface {
	Upsert(ctx context.Context, rec *Record) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByMessageAndSetID(ctx context.Context, messageID uuid.UUID, setID string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*Record, error)
	ListCritical(ctx context.Context, limit, offset int) ([]*Record, int, error)
	ListAbnormal(ctx context.Context, limit, offset int) ([]*Record, int, error)
	ListPendingValidation(ctx context.Context, limit int) ([]*Record, error)
}
