// Package workflow executes the post-processing procedures that run over
// newly materialized results: auto-validation classification and critical
// value alerting, with QC/clinical review, final approval, and report
// generation declared for operator-driven flows.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Type names a workflow procedure.
type Type string

const (
	TypeAutoValidation     Type = "auto_validation"
	TypeCriticalValueAlert Type = "critical_value_alert"
	TypeQCReview           Type = "qc_review"
	TypeClinicalReview     Type = "clinical_review"
	TypeFinalApproval      Type = "final_approval"
	TypeReportGeneration   Type = "report_generation"
)

var validTypes = map[Type]bool{
	TypeAutoValidation:     true,
	TypeCriticalValueAlert: true,
	TypeQCReview:           true,
	TypeClinicalReview:     true,
	TypeFinalApproval:      true,
	TypeReportGeneration:   true,
}

// Status is the lifecycle state of one run. Completed, Failed, and
// Cancelled are terminal; a failed run is re-attempted only by creating a
// new run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ValidateTransition reports whether moving between the two statuses is
// allowed.
func ValidateTransition(from, to Status) bool {
	for _, t := range statusTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StartStep is the initial value of CurrentStep.
const StartStep = "START"

// Run is one execution instance of a workflow over a fixed result set.
type Run struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	WorkflowID     string      `db:"workflow_id" json:"workflow_id"`
	Type           Type        `db:"type" json:"type"`
	Status         Status      `db:"status" json:"status"`
	ResultIDs      []uuid.UUID `db:"result_ids" json:"result_ids"`
	CurrentStep    string      `db:"current_step" json:"current_step"`
	CompletedSteps []string    `db:"completed_steps" json:"completed_steps"`
	StartedAt      *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage   string      `db:"error_message" json:"error_message,omitempty"`
	RetryCount     int         `db:"retry_count" json:"retry_count"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}
