package result

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/platform/hl7"
)

// ErrInvalidTransition is returned when a review action is not allowed from
// the record's current validation status.
var ErrInvalidTransition = fmt.Errorf("invalid validation status transition")

// validationTransitions lists the allowed review moves. Approved and
// rejected are terminal.
var validationTransitions = map[ValidationStatus][]ValidationStatus{
	ValidationPending:        {ValidationAutoValidated, ValidationRequiresReview, ValidationValidated, ValidationRejected},
	ValidationAutoValidated:  {ValidationValidated, ValidationApproved, ValidationRejected},
	ValidationRequiresReview: {ValidationValidated, ValidationRejected},
	ValidationValidated:      {ValidationApproved, ValidationRejected},
	ValidationApproved:       {},
	ValidationRejected:       {},
}

// ValidateTransition reports whether moving from one validation status to
// another is allowed.
func ValidateTransition(from, to ValidationStatus) bool {
	for _, t := range validationTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FromObservation builds a result record from one decoded OBX segment.
// externalID is the wire-visible message id; the stable result id is
// "<externalID>_<setID>".
func FromObservation(messageID uuid.UUID, externalID string, obs hl7.Observation) *Record {
	rec := &Record{
		ResultID:         externalID + "_" + obs.SetID,
		MessageID:        messageID,
		SetID:            obs.SetID,
		TestCode:         firstComponent(obs.ObservationID),
		TestName:         obs.ObservationID,
		ValueType:        obs.ValueType,
		Value:            obs.Value,
		Unit:             obs.Units,
		ReferenceRange:   obs.ReferenceRange,
		AbnormalFlags:    obs.AbnormalFlags,
		CriticalLevel:    LevelFromAbnormalFlag(obs.AbnormalFlags),
		ValidationStatus: ValidationPending,
	}
	if t, err := time.Parse("20060102150405", obs.ObservationDateTime); err == nil {
		utc := t.UTC()
		rec.ObservedAt = &utc
	}
	return rec
}

func firstComponent(s string) string {
	if i := strings.Index(s, "^"); i >= 0 {
		return s[:i]
	}
	return s
}

// Service exposes result lookups and the operator review actions.
type Service struct {
	repo   Repository
	audit  *audit.Service
	logger zerolog.Logger
}

func NewService(repo Repository, auditSvc *audit.Service, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		audit:  auditSvc,
		logger: logger.With().Str("component", "result").Logger(),
	}
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// ListCritical returns records classified in the critical band.
func (s *Service) ListCritical(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListCritical(ctx, limit, offset)
}

// ListAbnormal returns records classified outside normal.
func (s *Service) ListAbnormal(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListAbnormal(ctx, limit, offset)
}

// Validate marks the record technically validated by the given operator.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, performedBy string) (*Record, error) {
	return s.review(ctx, id, ValidationValidated, audit.ActionValidated, performedBy)
}

// Approve releases a validated record for reporting.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, performedBy string) (*Record, error) {
	return s.review(ctx, id, ValidationApproved, audit.ActionApproved, performedBy)
}

// Reject marks the record rejected.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, performedBy string) (*Record, error) {
	return s.review(ctx, id, ValidationRejected, audit.ActionRejected, performedBy)
}

func (s *Service) review(ctx context.Context, id uuid.UUID, to ValidationStatus, action audit.Action, performedBy string) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := rec.ValidationStatus
	if !ValidateTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	rec.ValidationStatus = to
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, err
	}

	var actor *string
	if performedBy != "" {
		actor = &performedBy
	}
	s.audit.ResultAction(ctx, rec.ID, action, actor,
		map[string]interface{}{"validation_status": string(from)},
		map[string]interface{}{"validation_status": string(to)})

	s.logger.Info().
		Str("result_id", rec.ResultID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("result review action")
	return rec, nil
}
