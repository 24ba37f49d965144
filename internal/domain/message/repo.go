package message

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no message matches the lookup.
var ErrNotFound = errors.New("message not found")

// Repository persists inbound messages.
type Repository interface {
	Create(ctx context.Context, msg *InboundMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*InboundMessage, error)
	// GetByIDForUpdate locks the message row for the duration of the
	// surrounding transaction; it must be called inside one.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*InboundMessage, error)
	Update(ctx context.Context, msg *InboundMessage) error
	List(ctx context.Context, status Status, limit, offset int) ([]*InboundMessage, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ListStuckProcessing returns messages sitting in processing since
	// before the cutoff.
	ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*InboundMessage, error)
	// PurgeSettledBefore deletes processed and rejected messages received
	// before the cutoff and reports how many were removed.
	PurgeSettledBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ErrorRateSince reports the fraction of messages settled since the
	// cutoff that ended in error.
	ErrorRateSince(ctx context.Context, since time.Time) (float64, error)
	// AvgProcessingSeconds averages the attempt duration over processed
	// messages.
	AvgProcessingSeconds(ctx context.Context) (float64, error)
}
