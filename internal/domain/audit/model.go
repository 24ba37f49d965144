// Package audit maintains the append-only trail of every decision the
// result pipeline makes: status changes, validation verdicts, workflow
// transitions, and alert dispatches. Entries are write-once; nothing in the
// pipeline mutates or deletes them.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Action classifies what happened.
type Action string

const (
	ActionCreated            Action = "created"
	ActionUpdated            Action = "updated"
	ActionValidated          Action = "validated"
	ActionApproved           Action = "approved"
	ActionRejected           Action = "rejected"
	ActionStatusChanged      Action = "status_changed"
	ActionWorkflowTransition Action = "workflow_transition"
	ActionAlertSent          Action = "alert_sent"
)

// Entry is one immutable audit record. PerformedBy is nil for
// system-initiated actions. The three correlation ids are optional and
// independent.
type Entry struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	Action      Action                 `db:"action" json:"action"`
	Description string                 `db:"description" json:"description"`
	OldValues   map[string]interface{} `db:"old_values" json:"old_values,omitempty"`
	NewValues   map[string]interface{} `db:"new_values" json:"new_values,omitempty"`
	PerformedBy *string                `db:"performed_by" json:"performed_by,omitempty"`
	PerformedAt time.Time              `db:"performed_at" json:"performed_at"`
	MessageID   *uuid.UUID             `db:"message_id" json:"message_id,omitempty"`
	ResultID    *uuid.UUID             `db:"result_id" json:"result_id,omitempty"`
	WorkflowID  *uuid.UUID             `db:"workflow_id" json:"workflow_id,omitempty"`
}
