package ldt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// ErrUnknownRecordType is returned by DecodeLine for tags outside the
// registered 01..07 set.
var ErrUnknownRecordType = errors.New("unknown record type")

// DecodeLatin1 converts raw LDT bytes (ISO 8859-1, the encoding mandated by
// the format) to a UTF-8 string.
func DecodeLatin1(raw []byte) (string, error) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode iso-8859-1: %w", err)
	}
	return string(out), nil
}

// DecodeLine decodes one physical LDT line into a typed record. The first
// two characters select the record type; the remaining fields are sliced at
// the offsets declared in fieldTable and trimmed of surrounding whitespace.
//
// Field extraction never fails: short lines yield empty fields, and date or
// time values that do not parse yield empty strings. The only errors are a
// line too short to carry a tag and a tag outside the registry.
func DecodeLine(line string) (Record, error) {
	runes := []rune(line)
	if len(runes) < 2 {
		return nil, errors.New("line shorter than record type tag")
	}

	typ := RecordType(runes[:2])
	switch typ {
	case RecordPatient:
		f := extractFields(runes, fieldTable[RecordPatient])
		return Patient{
			PatientID:       f["patient_id"],
			LastName:        f["last_name"],
			FirstName:       f["first_name"],
			BirthDate:       parseDate(f["birth_date"]),
			Gender:          f["gender"],
			InsuranceNumber: f["insurance_number"],
			InsuranceType:   f["insurance_type"],
		}, nil
	case RecordOrder:
		f := extractFields(runes, fieldTable[RecordOrder])
		return Order{
			OrderID:           f["order_id"],
			OrderDate:         parseDate(f["order_date"]),
			OrderTime:         parseTime(f["order_time"]),
			OrderingPhysician: f["ordering_physician"],
			Laboratory:        f["laboratory"],
		}, nil
	case RecordResult:
		f := extractFields(runes, fieldTable[RecordResult])
		return Result{
			ResultID:       f["result_id"],
			TestCode:       f["test_code"],
			TestName:       f["test_name"],
			Value:          f["result_value"],
			Unit:           f["unit"],
			ReferenceRange: f["reference_range"],
			AbnormalFlag:   f["abnormal_flag"],
			ResultDate:     parseDate(f["result_date"]),
			ResultTime:     parseTime(f["result_time"]),
		}, nil
	case RecordComment:
		f := extractFields(runes, fieldTable[RecordComment])
		return Comment{
			CommentID:   f["comment_id"],
			Text:        f["comment_text"],
			CommentDate: parseDate(f["comment_date"]),
			CommentTime: parseTime(f["comment_time"]),
		}, nil
	case RecordOrderEnd:
		return OrderEnd{}, nil
	case RecordPatientEnd:
		return PatientEnd{}, nil
	case RecordFileEnd:
		return FileEnd{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecordType, string(typ))
	}
}

// extractFields slices every declared field out of the line. Offsets are
// clamped to the line length so short lines degrade to empty fields.
func extractFields(runes []rune, defs []FieldDef) map[string]string {
	out := make(map[string]string, len(defs))
	for _, d := range defs {
		out[d.Name] = strings.TrimSpace(sliceRunes(runes, d.Start, d.End))
	}
	return out
}

func sliceRunes(runes []rune, start, end int) string {
	if start >= len(runes) {
		return ""
	}
	if end > len(runes) {
		end = len(runes)
	}
	return string(runes[start:end])
}

// parseDate converts a DDMMYYYY field to ISO YYYY-MM-DD. The all-zero
// placeholder and anything that does not parse yield the empty string.
func parseDate(s string) string {
	if s == "" || s == "00000000" {
		return ""
	}
	t, err := time.Parse("02012006", s)
	if err != nil {
		return ""
	}
	return t.Format("2006-01-02")
}

// parseTime converts an HHMMSS field to HH:MM:SS. The all-zero placeholder
// and anything that does not parse yield the empty string.
func parseTime(s string) string {
	if s == "" || s == "000000" {
		return ""
	}
	t, err := time.Parse("150405", s)
	if err != nil {
		return ""
	}
	return t.Format("15:04:05")
}
