// Package hl7 implements decoding of pipe-delimited, HL7-style laboratory
// messages into typed segment structures, plus derived message statistics
// used for routing decisions.
package hl7

import (
	"strings"
)

// Field separator within a segment line.
const fieldSeparator = "|"

// Segment is one raw decoded line: its 3-character type tag and the split
// field parts. parts[0] is the tag itself, so field position N (1-based, the
// standard HL7 convention) is parts[N].
type Segment struct {
	Type  string
	parts []string
}

// parseSegment splits one line into a Segment. The caller has already
// dropped blank lines.
func parseSegment(line string) Segment {
	parts := strings.Split(line, fieldSeparator)
	return Segment{Type: parts[0], parts: parts}
}

// Field returns the field at the given 1-based position. Positions past the
// last delimited part yield the empty string, never an index error.
func (s Segment) Field(pos int) string {
	if pos < 0 || pos >= len(s.parts) {
		return ""
	}
	return s.parts[pos]
}

// FieldCount reports the number of delimited parts including the tag.
func (s Segment) FieldCount() int {
	return len(s.parts)
}

// Component returns the 1-based component of a field, split on "^".
// A missing component yields the empty string.
func (s Segment) Component(pos, comp int) string {
	f := s.Field(pos)
	if f == "" {
		return ""
	}
	comps := strings.Split(f, "^")
	if comp < 1 || comp > len(comps) {
		return ""
	}
	return comps[comp-1]
}
