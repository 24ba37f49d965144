package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists audit entries. The trail is append-only: there is no
// update or single-entry delete. PurgeOlderThan exists for the external
// retention policy only and is never called by the pipeline itself.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*Entry, error)
	ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Entry, error)
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Entry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
