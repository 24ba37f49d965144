// Package ldt implements parsing of KBV LDT 3.2.19 fixed-width laboratory
// data transfer files: a per-line record decoder driven by static byte-offset
// tables, and an assembler that reconstructs the patient/order/result
// hierarchy from the decoded line stream.
package ldt

// RecordType is the 2-character tag at the start of every LDT line.
type RecordType string

const (
	RecordPatient    RecordType = "01"
	RecordOrder      RecordType = "02"
	RecordResult     RecordType = "03"
	RecordComment    RecordType = "04"
	RecordOrderEnd   RecordType = "05"
	RecordPatientEnd RecordType = "06"
	RecordFileEnd    RecordType = "07"
)

var recordTypeNames = map[RecordType]string{
	RecordPatient:    "patient",
	RecordOrder:      "order",
	RecordResult:     "result",
	RecordComment:    "comment",
	RecordOrderEnd:   "end_of_order",
	RecordPatientEnd: "end_of_patient",
	RecordFileEnd:    "end_of_file",
}

// String returns the human-readable name of the record type, or the raw tag
// if it is not one of the seven registered types.
func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// FieldDef names one fixed-width field and its character offsets within a
// line. End is exclusive. Offsets past the end of a short line yield the
// available remainder rather than an error.
type FieldDef struct {
	Name  string
	Start int
	End   int
}

// fieldTable holds the positional layout of every data-bearing record type.
// The three trailer types (05, 06, 07) carry no fields beyond their tag.
var fieldTable = map[RecordType][]FieldDef{
	RecordPatient: {
		{"patient_id", 2, 12},
		{"last_name", 12, 42},
		{"first_name", 42, 73},
		{"birth_date", 73, 81},
		{"gender", 81, 82},
		{"insurance_number", 82, 92},
		{"insurance_type", 92, 93},
	},
	RecordOrder: {
		{"order_id", 2, 12},
		{"order_date", 12, 20},
		{"order_time", 20, 26},
		{"ordering_physician", 26, 66},
		{"laboratory", 66, 106},
	},
	RecordResult: {
		{"result_id", 2, 12},
		{"test_code", 12, 22},
		{"test_name", 22, 82},
		{"result_value", 82, 122},
		{"unit", 122, 132},
		{"reference_range", 132, 172},
		{"abnormal_flag", 172, 173},
		{"result_date", 173, 181},
		{"result_time", 181, 187},
	},
	RecordComment: {
		{"comment_id", 2, 12},
		{"comment_text", 12, 172},
		{"comment_date", 172, 180},
		{"comment_time", 180, 186},
	},
}

// Record is the decoded form of one LDT line.
type Record interface {
	RecordType() RecordType
}

// Patient is a type 01 record. BirthDate is ISO formatted (YYYY-MM-DD) or
// empty when the source field was the all-zero placeholder or unparseable.
type Patient struct {
	PatientID       string
	LastName        string
	FirstName       string
	BirthDate       string
	Gender          string
	InsuranceNumber string
	InsuranceType   string
	EndTime         string
}

func (Patient) RecordType() RecordType { return RecordPatient }

// Order is a type 02 record. PatientID is filled by the assembler from the
// patient cursor open at the time the order line appeared.
type Order struct {
	OrderID           string
	OrderDate         string
	OrderTime         string
	OrderingPhysician string
	Laboratory        string
	PatientID         string
	EndTime           string
}

func (Order) RecordType() RecordType { return RecordOrder }

// Result is a type 03 record. PatientID and OrderID come from the assembler
// cursors.
type Result struct {
	ResultID       string
	TestCode       string
	TestName       string
	Value          string
	Unit           string
	ReferenceRange string
	AbnormalFlag   string
	ResultDate     string
	ResultTime     string
	PatientID      string
	OrderID        string
}

func (Result) RecordType() RecordType { return RecordResult }

// Comment is a type 04 record.
type Comment struct {
	CommentID   string
	Text        string
	CommentDate string
	CommentTime string
	PatientID   string
	OrderID     string
}

func (Comment) RecordType() RecordType { return RecordComment }

// OrderEnd is a type 05 trailer.
type OrderEnd struct{}

func (OrderEnd) RecordType() RecordType { return RecordOrderEnd }

// PatientEnd is a type 06 trailer.
type PatientEnd struct{}

func (PatientEnd) RecordType() RecordType { return RecordPatientEnd }

// FileEnd is a type 07 trailer.
type FileEnd struct{}

func (FileEnd) RecordType() RecordType { return RecordFileEnd }
