// Package message implements the inbound message pipeline: persistence of
// received messages, the processing state machine, and the dispatch that
// turns result messages into result records and workflow runs.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/hl7"
)

// MessageType classifies what an inbound message carries.
type MessageType string

const (
	TypeResult   MessageType = "result"
	TypeOrder    MessageType = "order"
	TypeQuery    MessageType = "query"
	TypeResponse MessageType = "response"
	TypeAck      MessageType = "ack"
	TypeNack     MessageType = "nack"
)

// ClassifyType maps the wire message type code (e.g. "ORU^R01") onto the
// pipeline's message classes. Unrecognized codes classify as response.
func ClassifyType(wireType string) MessageType {
	code := wireType
	if i := strings.Index(code, "^"); i >= 0 {
		code = code[:i]
	}
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "ORU":
		return TypeResult
	case "ORM", "OML":
		return TypeOrder
	case "QRY", "QBP":
		return TypeQuery
	case "ACK":
		return TypeAck
	case "NAK":
		return TypeNack
	default:
		return TypeResponse
	}
}

// Status is the lifecycle state of one inbound message.
type Status string

const (
	StatusReceived      Status = "received"
	StatusProcessing    Status = "processing"
	StatusProcessed     Status = "processed"
	StatusError         Status = "error"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
)

// statusTransitions lists the allowed lifecycle moves. Error is re-entered
// via received (bounded retry); rejected is terminal.
var statusTransitions = map[Status][]Status{
	StatusReceived:      {StatusProcessing, StatusRejected},
	StatusProcessing:    {StatusProcessed, StatusError, StatusPendingReview},
	StatusProcessed:     {StatusReceived},
	StatusError:         {StatusReceived, StatusProcessing},
	StatusPendingReview: {StatusReceived, StatusRejected},
	StatusRejected:      {},
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

// DefaultMaxRetries bounds how often a failing message is re-processed
// before its error status becomes final.
const DefaultMaxRetries = 3

// InboundMessage is one received wire message and its processing state.
// RawContent is kept verbatim so the message can always be reprocessed.
type InboundMessage struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	MessageControlID  string         `db:"message_control_id" json:"message_control_id"`
	MessageType       MessageType    `db:"message_type" json:"message_type"`
	Status            Status         `db:"status" json:"status"`
	SendingFacility   string         `db:"sending_facility" json:"sending_facility"`
	ReceivingFacility string         `db:"receiving_facility" json:"receiving_facility"`
	MessageDateTime   string         `db:"message_datetime" json:"message_datetime"`
	ProcessingID      string         `db:"processing_id" json:"processing_id"`
	VersionID         string         `db:"version_id" json:"version_id"`
	RawContent        string         `db:"raw_content" json:"raw_content"`
	Structure         *hl7.Structure `db:"structure" json:"structure,omitempty"`
	ErrorMessage      string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount        int            `db:"retry_count" json:"retry_count"`
	MaxRetries        int            `db:"max_retries" json:"max_retries"`
	ReceivedAt        time.Time      `db:"received_at" json:"received_at"`
	ProcessedAt       *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
	ProcessingSeconds *float64       `db:"processing_seconds" json:"processing_seconds,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// RetriesExhausted reports whether the retry budget is spent.
func (m *InboundMessage) RetriesExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}
