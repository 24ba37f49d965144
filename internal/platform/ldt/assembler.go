package ldt

import (
	"fmt"
	"strings"
	"time"
)

// LineError records a single line that could not be decoded. Assembly
// continues past it.
type LineError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e LineError) String() string {
	return fmt.Sprintf("Line %d: %s", e.Line, e.Message)
}

// ParsedFile is the assembled output of one LDT file: the ordered record
// sequences, the per-line decode errors, and processing metadata.
type ParsedFile struct {
	Patients    []*Patient  `json:"patients"`
	Orders      []*Order    `json:"orders"`
	Results     []*Result   `json:"results"`
	Comments    []*Comment  `json:"comments"`
	Errors      []LineError `json:"errors"`
	TotalLines  int         `json:"total_lines"`
	ProcessedAt time.Time   `json:"processed_at"`
}

// Statistics summarizes a parsed file for reporting.
type Statistics struct {
	TotalPatients int `json:"total_patients"`
	TotalOrders   int `json:"total_orders"`
	TotalResults  int `json:"total_results"`
	TotalComments int `json:"total_comments"`
	TotalErrors   int `json:"total_errors"`
	FileSizeLines int `json:"file_size_lines"`
}

// parseContext holds the cursors that give hierarchy to the flat line
// stream: the patient opened by the last 01 record and the order opened by
// the last 02 record. A 05 trailer closes the order cursor, a 06 trailer
// closes the patient cursor. Lifetime is a single ParseFile call.
type parseContext struct {
	currentPatient *Patient
	currentOrder   *Order
}

// ParseFile assembles a whole LDT file. Blank lines are skipped. A line that
// fails to decode is recorded in Errors and assembly continues with the next
// line; a malformed line never aborts the file.
func ParseFile(content string) *ParsedFile {
	parsed := &ParsedFile{ProcessedAt: time.Now().UTC()}
	ctx := &parseContext{}

	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parsed.TotalLines++

		rec, err := DecodeLine(line)
		if err != nil {
			parsed.Errors = append(parsed.Errors, LineError{Line: i + 1, Message: err.Error()})
			continue
		}
		route(parsed, ctx, rec)
	}
	return parsed
}

// route applies one decoded record to the output and the cursors.
func route(parsed *ParsedFile, ctx *parseContext, rec Record) {
	switch r := rec.(type) {
	case Patient:
		p := r
		ctx.currentPatient = &p
		parsed.Patients = append(parsed.Patients, &p)
	case Order:
		o := r
		if ctx.currentPatient != nil {
			o.PatientID = ctx.currentPatient.PatientID
		}
		ctx.currentOrder = &o
		parsed.Orders = append(parsed.Orders, &o)
	case Result:
		res := r
		if ctx.currentPatient != nil {
			res.PatientID = ctx.currentPatient.PatientID
		}
		if ctx.currentOrder != nil {
			res.OrderID = ctx.currentOrder.OrderID
		}
		parsed.Results = append(parsed.Results, &res)
	case Comment:
		c := r
		if ctx.currentPatient != nil {
			c.PatientID = ctx.currentPatient.PatientID
		}
		if ctx.currentOrder != nil {
			c.OrderID = ctx.currentOrder.OrderID
		}
		parsed.Comments = append(parsed.Comments, &c)
	case OrderEnd:
		if ctx.currentOrder != nil {
			ctx.currentOrder.EndTime = time.Now().UTC().Format(time.RFC3339)
			ctx.currentOrder = nil
		}
	case PatientEnd:
		if ctx.currentPatient != nil {
			ctx.currentPatient.EndTime = time.Now().UTC().Format(time.RFC3339)
			ctx.currentPatient = nil
		}
	case FileEnd:
		// informational trailer, no cursor mutation
	}
}

// Validate runs the structural completeness pass over an assembled file and
// returns human-readable findings. These are distinct from the per-line
// decode errors in Errors.
func (f *ParsedFile) Validate() []string {
	var findings []string

	if len(f.Patients) == 0 {
		findings = append(findings, "No patient records found")
	}
	if len(f.Orders) == 0 {
		findings = append(findings, "No order records found")
	}
	if len(f.Results) == 0 {
		findings = append(findings, "No result records found")
	}

	for i, p := range f.Patients {
		if p.PatientID == "" {
			findings = append(findings, fmt.Sprintf("Patient %d: missing patient ID", i+1))
		}
		if p.LastName == "" {
			findings = append(findings, fmt.Sprintf("Patient %d: missing last name", i+1))
		}
		if p.BirthDate == "" {
			findings = append(findings, fmt.Sprintf("Patient %d: missing birth date", i+1))
		}
	}

	for i, o := range f.Orders {
		if o.OrderID == "" {
			findings = append(findings, fmt.Sprintf("Order %d: missing order ID", i+1))
		}
		if o.PatientID == "" {
			findings = append(findings, fmt.Sprintf("Order %d: not linked to a patient", i+1))
		}
	}

	for i, r := range f.Results {
		if r.TestCode == "" {
			findings = append(findings, fmt.Sprintf("Result %d: missing test code", i+1))
		}
		if r.OrderID == "" {
			findings = append(findings, fmt.Sprintf("Result %d: not linked to an order", i+1))
		}
	}

	return findings
}

// Statistics computes the record counts for an assembled file.
func (f *ParsedFile) Statistics() Statistics {
	return Statistics{
		TotalPatients: len(f.Patients),
		TotalOrders:   len(f.Orders),
		TotalResults:  len(f.Results),
		TotalComments: len(f.Comments),
		TotalErrors:   len(f.Errors),
		FileSizeLines: f.TotalLines,
	}
}
