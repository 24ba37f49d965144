package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service wraps the repository with the recording helpers the pipeline
// calls. A failed audit write is logged and swallowed: the trail is an
// observer of the pipeline, never a reason to fail it.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

func (s *Service) record(ctx context.Context, e *Entry) {
	if err := s.repo.Record(ctx, e); err != nil {
		s.logger.Error().Err(err).Str("action", string(e.Action)).Msg("failed to record audit entry")
	}
}

// StatusChanged records a lifecycle transition on a message.
func (s *Service) StatusChanged(ctx context.Context, messageID uuid.UUID, from, to string) {
	s.record(ctx, &Entry{
		Action:      ActionStatusChanged,
		Description: "message status changed",
		OldValues:   map[string]interface{}{"status": from},
		NewValues:   map[string]interface{}{"status": to},
		MessageID:   &messageID,
	})
}

// ResultAction records a review verdict on a result.
func (s *Service) ResultAction(ctx context.Context, resultID uuid.UUID, action Action, performedBy *string, before, after map[string]interface{}) {
	s.record(ctx, &Entry{
		Action:      action,
		Description: "result " + string(action),
		OldValues:   before,
		NewValues:   after,
		PerformedBy: performedBy,
		ResultID:    &resultID,
	})
}

// WorkflowTransition records a workflow state change.
func (s *Service) WorkflowTransition(ctx context.Context, workflowID uuid.UUID, from, to string) {
	s.record(ctx, &Entry{
		Action:      ActionWorkflowTransition,
		Description: "workflow transition",
		OldValues:   map[string]interface{}{"status": from},
		NewValues:   map[string]interface{}{"status": to},
		WorkflowID:  &workflowID,
	})
}

// AlertSent records a critical value alert dispatch.
func (s *Service) AlertSent(ctx context.Context, workflowID uuid.UUID, resultID uuid.UUID, recipients int) {
	s.record(ctx, &Entry{
		Action:      ActionAlertSent,
		Description: "critical value alert sent",
		NewValues: map[string]interface{}{
			"recipients": recipients,
			"sent_at":    time.Now().UTC().Format(time.RFC3339),
		},
		WorkflowID: &workflowID,
		ResultID:   &resultID,
	})
}

// Purge removes entries older than the retention cutoff.
func (s *Service) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.repo.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("purged audit entries")
	}
	return n, nil
}

// ByMessage returns the trail for one message.
func (s *Service) ByMessage(ctx context.Context, messageID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByMessage(ctx, messageID)
}

// ByResult returns the trail for one result.
func (s *Service) ByResult(ctx context.Context, resultID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByResult(ctx, resultID)
}

// ByWorkflow returns the trail for one workflow.
func (s *Service) ByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByWorkflow(ctx, workflowID)
}
