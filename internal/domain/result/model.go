// Package result holds the structured clinical results materialized from
// inbound messages, their critical-level classification, and the review
// actions operators take on them.
package result

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CriticalLevel classifies a result value against its clinical ranges.
type CriticalLevel string

const (
	LevelNormal        CriticalLevel = "normal"
	LevelLow           CriticalLevel = "low"
	LevelHigh          CriticalLevel = "high"
	LevelCriticalLow   CriticalLevel = "critical_low"
	LevelCriticalHigh  CriticalLevel = "critical_high"
	LevelPanicLow      CriticalLevel = "panic_low"
	LevelPanicHigh     CriticalLevel = "panic_high"
	LevelAbnormal      CriticalLevel = "abnormal"
	LevelPositive      CriticalLevel = "positive"
	LevelNegative      CriticalLevel = "negative"
	LevelIndeterminate CriticalLevel = "indeterminate"
	LevelReactive      CriticalLevel = "reactive"
	LevelNonReactive   CriticalLevel = "nonreactive"
)

// criticalLevels are the classifications that demand immediate notification.
var criticalLevels = map[CriticalLevel]bool{
	LevelCriticalLow:  true,
	LevelCriticalHigh: true,
	LevelPanicLow:     true,
	LevelPanicHigh:    true,
}

// IsCritical reports whether the level is in the critical band.
func (l CriticalLevel) IsCritical() bool {
	return criticalLevels[l]
}

// LevelFromAbnormalFlag maps an OBX abnormal flag to a critical level.
// Unknown flags classify as abnormal rather than being dropped.
func LevelFromAbnormalFlag(flag string) CriticalLevel {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "", "N":
		return LevelNormal
	case "L":
		return LevelLow
	case "H":
		return LevelHigh
	case "LL":
		return LevelCriticalLow
	case "HH":
		return LevelCriticalHigh
	case "POS":
		return LevelPositive
	case "NEG":
		return LevelNegative
	case "I":
		return LevelIndeterminate
	case "RR":
		return LevelReactive
	case "NR":
		return LevelNonReactive
	default:
		return LevelAbnormal
	}
}

// ValidationStatus is the review state of a result.
type ValidationStatus string

const (
	ValidationPending        ValidationStatus = "pending"
	ValidationAutoValidated  ValidationStatus = "auto_validated"
	ValidationRequiresReview ValidationStatus = "requires_review"
	ValidationValidated      ValidationStatus = "validated"
	ValidationApproved       ValidationStatus = "approved"
	ValidationRejected       ValidationStatus = "rejected"
)

var validValidationStatuses = map[ValidationStatus]bool{
	ValidationPending:        true,
	ValidationAutoValidated:  true,
	ValidationRequiresReview: true,
	ValidationValidated:      true,
	ValidationApproved:       true,
	ValidationRejected:       true,
}

// Record is one structured clinical result. The pair (MessageID, SetID) is
// unique: reprocessing the originating message updates this row instead of
// duplicating it. ResultID is the stable external identifier derived from
// that pair.
type Record struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	ResultID         string           `db:"result_id" json:"result_id"`
	MessageID        uuid.UUID        `db:"message_id" json:"message_id"`
	SetID            string           `db:"set_id" json:"set_id"`
	TestCode         string           `db:"test_code" json:"test_code"`
	TestName         string           `db:"test_name" json:"test_name"`
	ValueType        string           `db:"value_type" json:"value_type"`
	Value            string           `db:"value" json:"value"`
	Unit             string           `db:"unit" json:"unit"`
	ReferenceRange   string           `db:"reference_range" json:"reference_range"`
	AbnormalFlags    string           `db:"abnormal_flags" json:"abnormal_flags"`
	CriticalLevel    CriticalLevel    `db:"critical_level" json:"critical_level"`
	ValidationStatus ValidationStatus `db:"validation_status" json:"validation_status"`
	RawPayload       string           `db:"raw_payload" json:"raw_payload"`
	ObservedAt       *time.Time       `db:"observed_at" json:"observed_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// IsCritical reports whether the record's classification is critical.
func (r *Record) IsCritical() bool {
	return r.CriticalLevel.IsCritical()
}

// IsAbnormal reports whether the record is outside its expected range. A
// numeric value is compared against a "low-high" reference range; when
// either side is non-numeric the critical level decides.
func (r *Record) IsAbnormal() bool {
	if v, lo, hi, ok := r.numericRange(); ok {
		return v < lo || v > hi
	}
	return r.CriticalLevel != LevelNormal
}

func (r *Record) numericRange() (v, lo, hi float64, ok bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(r.Value), 64)
	if err != nil {
		return 0, 0, 0, false
	}
	parts := strings.SplitN(r.ReferenceRange, "-", 2)
	if len(parts) != 2 {
		return 0, 0, 0, false
	}
	lo, errLo := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	hi, errHi := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLo != nil || errHi != nil {
		return 0, 0, 0, false
	}
	return v, lo, hi, true
}
