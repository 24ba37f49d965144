package hl7

// Structure summarizes a decoded message for downstream routing: segment
// counts, the distinct tags present, the raw size, and presence flags for
// the patient, order, and result segment families. It is derived from the
// parsed segments without re-scanning the raw text.
type Structure struct {
	TotalSegments  int      `json:"total_segments"`
	SegmentTypes   []string `json:"segment_types"`
	MessageSize    int      `json:"message_size"`
	HasPatientData bool     `json:"has_patient_data"`
	HasOrderData   bool     `json:"has_order_data"`
	HasResultData  bool     `json:"has_result_data"`
}

// Structure computes the derived statistics for the message. SegmentTypes
// lists distinct tags in first-appearance order.
func (m *Message) Structure() Structure {
	s := Structure{
		TotalSegments: len(m.Segments),
		MessageSize:   m.rawSize,
	}

	seen := make(map[string]bool)
	for _, seg := range m.Segments {
		if !seen[seg.Type] {
			seen[seg.Type] = true
			s.SegmentTypes = append(s.SegmentTypes, seg.Type)
		}
		switch seg.Type {
		case SegmentPatient:
			s.HasPatientData = true
		case SegmentOrder:
			s.HasOrderData = true
		case SegmentObservationResult:
			s.HasResultData = true
		}
	}
	return s
}
