package hl7

import (
	"errors"
	"strings"
)

// Recognized segment type tags.
const (
	SegmentHeader             = "MSH"
	SegmentPatient            = "PID"
	SegmentOrder              = "ORC"
	SegmentObservationRequest = "OBR"
	SegmentObservationResult  = "OBX"
)

// Header carries the MSH fields the pipeline routes on.
type Header struct {
	SendingFacility   string
	ReceivingFacility string
	MessageDateTime   string
	MessageType       string
	MessageControlID  string
	ProcessingID      string
	VersionID         string
}

// PatientIdentification carries the PID fields.
type PatientIdentification struct {
	PatientID   string
	PatientName string
	DateOfBirth string
	Gender      string
}

// CommonOrder carries the ORC fields.
type CommonOrder struct {
	OrderControl      string
	PlacerOrderNumber string
	FillerOrderNumber string
	PlacerGroupNumber string
}

// ObservationRequest carries the OBR fields.
type ObservationRequest struct {
	SetID                    string
	PlacerOrderNumber        string
	FillerOrderNumber        string
	UniversalServiceID       string
	Priority                 string
	RequestedDateTime        string
	ObservationDateTime      string
	SpecimenReceivedDateTime string
}

// Observation carries one OBX segment. OBX repeats within a message;
// multiplicity and order are preserved by the decoder.
type Observation struct {
	SetID                         string
	ValueType                     string
	ObservationID                 string
	SubID                         string
	Value                         string
	Units                         string
	ReferenceRange                string
	AbnormalFlags                 string
	Probability                   string
	NatureOfAbnormalTest          string
	ResultStatus                  string
	EffectiveDateOfReferenceRange string
	UserDefinedAccessChecks       string
	ObservationDateTime           string
	ProducerID                    string
	ResponsibleObserver           string
}

// Message is one decoded segment-based message. Typed views are populated
// for the recognized segment tags; Segments preserves every non-blank line
// in wire order, including unrecognized tags.
type Message struct {
	Header       *Header
	Patient      *PatientIdentification
	Order        *CommonOrder
	Request      *ObservationRequest
	Observations []Observation
	Segments     []Segment

	rawSize int
}

// ErrEmptyMessage is returned by Parse for input with no segments.
var ErrEmptyMessage = errors.New("empty message")

// Parse decodes raw message text. Lines are separated by \r, \n, or \r\n;
// blank lines are skipped. Unknown segment tags are retained in Segments but
// produce no typed view. Missing trailing fields decode to empty strings.
func Parse(raw []byte) (*Message, error) {
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	msg := &Message{rawSize: len(raw)}
	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seg := parseSegment(line)
		msg.Segments = append(msg.Segments, seg)

		switch seg.Type {
		case SegmentHeader:
			msg.Header = &Header{
				SendingFacility:   seg.Field(3),
				ReceivingFacility: seg.Field(4),
				MessageDateTime:   seg.Field(6),
				MessageType:       seg.Field(8),
				MessageControlID:  seg.Field(9),
				ProcessingID:      seg.Field(10),
				VersionID:         seg.Field(11),
			}
		case SegmentPatient:
			msg.Patient = &PatientIdentification{
				PatientID:   seg.Field(3),
				PatientName: seg.Field(5),
				DateOfBirth: seg.Field(7),
				Gender:      seg.Field(8),
			}
		case SegmentOrder:
			msg.Order = &CommonOrder{
				OrderControl:      seg.Field(1),
				PlacerOrderNumber: seg.Field(2),
				FillerOrderNumber: seg.Field(3),
				PlacerGroupNumber: seg.Field(4),
			}
		case SegmentObservationRequest:
			msg.Request = &ObservationRequest{
				SetID:                    seg.Field(1),
				PlacerOrderNumber:        seg.Field(2),
				FillerOrderNumber:        seg.Field(3),
				UniversalServiceID:       seg.Field(4),
				Priority:                 seg.Field(5),
				RequestedDateTime:        seg.Field(6),
				ObservationDateTime:      seg.Field(7),
				SpecimenReceivedDateTime: seg.Field(14),
			}
		case SegmentObservationResult:
			msg.Observations = append(msg.Observations, Observation{
				SetID:                         seg.Field(1),
				ValueType:                     seg.Field(2),
				ObservationID:                 seg.Field(3),
				SubID:                         seg.Field(4),
				Value:                         seg.Field(5),
				Units:                         seg.Field(6),
				ReferenceRange:                seg.Field(7),
				AbnormalFlags:                 seg.Field(8),
				Probability:                   seg.Field(9),
				NatureOfAbnormalTest:          seg.Field(10),
				ResultStatus:                  seg.Field(11),
				EffectiveDateOfReferenceRange: seg.Field(12),
				UserDefinedAccessChecks:       seg.Field(13),
				ObservationDateTime:           seg.Field(14),
				ProducerID:                    seg.Field(15),
				ResponsibleObserver:           seg.Field(16),
			})
		}
	}

	if len(msg.Segments) == 0 {
		return nil, ErrEmptyMessage
	}
	return msg, nil
}

// GetSegment returns the first segment with the given tag, or nil.
func (m *Message) GetSegment(typ string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Type == typ {
			return &m.Segments[i]
		}
	}
	return nil
}
