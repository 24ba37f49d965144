package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/result"
	"github.com/lims/lims/internal/platform/notification"
)

// ErrUnknownType is returned when a run is created with an unregistered
// workflow type.
var ErrUnknownType = fmt.Errorf("unknown workflow type")

// Engine creates and executes workflow runs. Execution is a single attempt:
// the scheduling layer around the engine decides whether a failure is
// retried, and a failed run is only re-attempted through a new run.
type Engine struct {
	repo      Repository
	results   result.Repository
	notifier  *notification.Manager
	directory notification.Directory
	audit     *audit.Service
	logger    zerolog.Logger
}

func NewEngine(repo Repository, results result.Repository, notifier *notification.Manager,
	directory notification.Directory, auditSvc *audit.Service, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:      repo,
		results:   results,
		notifier:  notifier,
		directory: directory,
		audit:     auditSvc,
		logger:    logger.With().Str("component", "workflow").Logger(),
	}
}

// Create creates a pending run of the given type over a fixed result set.
func (e *Engine) Create(ctx context.Context, typ Type, resultIDs []uuid.UUID) (*Run, error) {
	if !validTypes[typ] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	run := &Run{
		Type:        typ,
		Status:      StatusPending,
		ResultIDs:   resultIDs,
		CurrentStep: StartStep,
	}
	if err := e.repo.Create(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// CreateForResult creates the automatic runs a freshly materialized result
// triggers: a critical value alert when the record classifies critical, and
// an auto-validation run when it awaits validation. The two conditions are
// independent; both may fire for the same record.
func (e *Engine) CreateForResult(ctx context.Context, rec *result.Record) ([]*Run, error) {
	var runs []*Run
	if rec.IsCritical() {
		run, err := e.Create(ctx, TypeCriticalValueAlert, []uuid.UUID{rec.ID})
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	if rec.ValidationStatus == result.ValidationPending {
		run, err := e.Create(ctx, TypeAutoValidation, []uuid.UUID{rec.ID})
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Get returns one run by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return e.repo.GetByID(ctx, id)
}

// ListByResult returns the runs referencing a result.
func (e *Engine) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Run, error) {
	return e.repo.ListByResult(ctx, resultID)
}

// Execute runs one pending workflow to a terminal state. Executing a run
// that is not pending is a logged no-op. The returned error reflects a
// failed execution; the run is already marked failed when it is non-nil.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) error {
	run, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != StatusPending {
		e.logger.Warn().
			Str("workflow_id", run.WorkflowID).
			Str("status", string(run.Status)).
			Msg("workflow not pending, skipping execution")
		return nil
	}

	started := time.Now().UTC()
	run.Status = StatusInProgress
	run.StartedAt = &started
	if err := e.repo.Update(ctx, run); err != nil {
		return err
	}
	e.audit.WorkflowTransition(ctx, run.ID, string(StatusPending), string(StatusInProgress))

	var execErr error
	switch run.Type {
	case TypeAutoValidation:
		execErr = e.runAutoValidation(ctx, run)
	case TypeCriticalValueAlert:
		execErr = e.runCriticalValueAlert(ctx, run)
	default:
		execErr = fmt.Errorf("no executor registered for workflow type %s", run.Type)
	}

	if execErr != nil {
		run.Status = StatusFailed
		run.ErrorMessage = execErr.Error()
		if err := e.repo.Update(ctx, run); err != nil {
			return err
		}
		e.audit.WorkflowTransition(ctx, run.ID, string(StatusInProgress), string(StatusFailed))
		e.logger.Error().
			Str("workflow_id", run.WorkflowID).
			Str("type", string(run.Type)).
			Err(execErr).
			Msg("workflow execution failed")
		return execErr
	}

	completed := time.Now().UTC()
	run.Status = StatusCompleted
	run.CompletedAt = &completed
	if err := e.repo.Update(ctx, run); err != nil {
		return err
	}
	e.audit.WorkflowTransition(ctx, run.ID, string(StatusInProgress), string(StatusCompleted))
	e.logger.Info().
		Str("workflow_id", run.WorkflowID).
		Str("type", string(run.Type)).
		Msg("workflow completed")
	return nil
}

// runAutoValidation classifies every referenced result still awaiting
// validation: clean results auto-validate, anything abnormal or critical is
// routed to manual review.
func (e *Engine) runAutoValidation(ctx context.Context, run *Run) error {
	for _, rid := range run.ResultIDs {
		rec, err := e.results.GetByID(ctx, rid)
		if err != nil {
			return fmt.Errorf("load result %s: %w", rid, err)
		}
		if rec.ValidationStatus != result.ValidationPending {
			continue
		}

		if rec.IsAbnormal() || rec.IsCritical() {
			rec.ValidationStatus = result.ValidationRequiresReview
		} else {
			rec.ValidationStatus = result.ValidationAutoValidated
		}
		if err := e.results.Update(ctx, rec); err != nil {
			return fmt.Errorf("update result %s: %w", rid, err)
		}

		run.CurrentStep = "classify:" + rec.ResultID
		run.CompletedSteps = append(run.CompletedSteps, run.CurrentStep)
	}
	return nil
}

// runCriticalValueAlert notifies the eligible on-duty roles for every
// referenced result that classifies critical. Recipients are de-duplicated
// by identity; a delivery failure is logged and does not fail the step.
func (e *Engine) runCriticalValueAlert(ctx context.Context, run *Run) error {
	for _, rid := range run.ResultIDs {
		rec, err := e.results.GetByID(ctx, rid)
		if err != nil {
			return fmt.Errorf("load result %s: %w", rid, err)
		}
		if !rec.IsCritical() {
			continue
		}

		recipients, err := e.directory.ActiveByRoles(ctx, notification.CriticalAlertRoles...)
		if err != nil {
			return fmt.Errorf("resolve alert recipients: %w", err)
		}

		seen := make(map[string]bool)
		notified := 0
		for _, rcpt := range recipients {
			if seen[rcpt.ID] {
				continue
			}
			seen[rcpt.ID] = true

			data := map[string]string{
				"test_name":       rec.TestName,
				"value":           rec.Value,
				"unit":            rec.Unit,
				"reference_range": rec.ReferenceRange,
				"critical_level":  string(rec.CriticalLevel),
				"result_id":       rec.ResultID,
			}
			if err := e.notifier.SendFromTemplate(ctx, notification.ChannelEmail, rcpt.Email,
				"Critical value: "+rec.TestCode, "critical-value-alert", data); err != nil {
				e.logger.Error().
					Str("recipient", rcpt.Email).
					Str("result_id", rec.ResultID).
					Err(err).
					Msg("critical alert delivery failed")
				continue
			}
			notified++
		}

		e.audit.AlertSent(ctx, run.ID, rec.ID, notified)
		run.CurrentStep = "alert:" + rec.ResultID
		run.CompletedSteps = append(run.CompletedSteps, run.CurrentStep)
	}
	return nil
}
