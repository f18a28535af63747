package hl7

import (
	"fmt"
	"strings"

	"github.com/aidss/lisbridge/config"
)

// Error condition codes from HL7 table 0357.
const (
	CodeSegmentSequence        = 100
	CodeRequiredFieldMissing   = 101
	CodeDataType               = 102
	CodeUnsupportedMessageType = 200
	CodeApplicationError       = 207
)

// ParseError describes why an inbound message was refused.
type ParseError struct {
	Code    int
	Segment string
	// Sequence is the 1 based position of the segment in the message, 0 when unknown.
	Sequence int
	Field    int
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Field > 0 {
		return fmt.Sprintf("parse error in %s-%d: %s", e.Segment, e.Field, e.Reason)
	}
	if e.Segment != "" {
		return fmt.Sprintf("parse error in %s: %s", e.Segment, e.Reason)
	}
	return "parse error: " + e.Reason
}

// Order is a decoded clinical order message.
type Order struct {
	ControlID         string
	MessageType       string
	Version           string
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	Delimiters        Delimiters
	// PID is the raw patient segment, copied into result messages.
	PID      string
	Requests []SpecimenRequest
}

// SpecimenRequest asks for one model to be run against one sample.
type SpecimenRequest struct {
	Sample string
	Model  string
	// Sequence is the 1 based position of the request in its order.
	Sequence int
	// Placer is the placer order number (OBR-2) used to label result observations.
	Placer string
	ORC    string
	OBR    string
}

// Key identifies the job a request maps to.
func (r SpecimenRequest) Key() string {
	return r.Sample + "/" + r.Model
}

const maxControlIDLength = 199

// Parse decodes an order message. When the header could be read, the returned
// order carries it even if err is a *ParseError so that a rejection can be
// correlated with the message.
func Parse(raw []byte, expectedType string) (*Order, error) {
	lines := splitLines(raw)
	order, err := readHeader(lines)
	if err != nil {
		return order, err
	}
	if !matchesType(order.MessageType, expectedType, order.Delimiters) {
		return order, &ParseError{Code: CodeUnsupportedMessageType, Segment: "MSH", Sequence: 1, Field: 9,
			Reason: fmt.Sprintf("unsupported message type %q", order.MessageType)}
	}
	d := order.Delimiters

	type group struct {
		spm      Segment
		sequence int
		obrs     [][2]string
	}
	var (
		groups     []*group
		pendingORC string
		orphanOBRs [][2]string
	)
	for i, line := range lines[1:] {
		seg := parseSegment(line, d)
		switch seg.Name {
		case "PID":
			if order.PID == "" {
				order.PID = line
			}
		case "SPM":
			if seg.Count() < 4 {
				return order, &ParseError{Code: CodeRequiredFieldMissing, Segment: "SPM", Sequence: i + 2, Field: 4,
					Reason: fmt.Sprintf("specimen segment has %d fields, expected at least 4", seg.Count())}
			}
			g := &group{spm: seg, sequence: i + 2}
			if len(groups) == 0 {
				g.obrs = orphanOBRs
				orphanOBRs = nil
			}
			groups = append(groups, g)
		case "ORC":
			pendingORC = line
		case "OBR":
			entry := [2]string{pendingORC, line}
			pendingORC = ""
			if len(groups) == 0 {
				orphanOBRs = append(orphanOBRs, entry)
			} else {
				last := groups[len(groups)-1]
				last.obrs = append(last.obrs, entry)
			}
		}
	}
	if len(groups) == 0 {
		return order, &ParseError{Code: CodeSegmentSequence, Segment: "SPM", Reason: "message carries no specimen segment"}
	}

	for _, g := range groups {
		model := d.UnescapeText(component(g.spm.Field(4), 2, d.Component))
		if model == "" {
			model = d.UnescapeText(component(g.spm.Field(4), 1, d.Component))
		}
		if model == "" {
			return order, &ParseError{Code: CodeRequiredFieldMissing, Segment: "SPM", Sequence: g.sequence, Field: 4,
				Reason: "model name is missing"}
		}
		specimen := d.UnescapeText(component(component(g.spm.Field(2), 1, d.Component), 1, d.Subcomponent))

		if len(g.obrs) == 0 {
			if specimen == "" {
				return order, &ParseError{Code: CodeRequiredFieldMissing, Segment: "SPM", Sequence: g.sequence, Field: 2,
					Reason: "sample identifier is missing"}
			}
			order.Requests = append(order.Requests, SpecimenRequest{
				Sample:   specimen,
				Model:    model,
				Sequence: len(order.Requests) + 1,
			})
			continue
		}
		for _, pair := range g.obrs {
			obr := parseSegment(pair[1], d)
			sample := sampleFromPath(d.UnescapeText(component(obr.Field(13), 1, d.Component)))
			if sample == "" {
				sample = specimen
			}
			if sample == "" {
				return order, &ParseError{Code: CodeRequiredFieldMissing, Segment: "OBR", Field: 13,
					Reason: "sample identifier is missing"}
			}
			order.Requests = append(order.Requests, SpecimenRequest{
				Sample:   sample,
				Model:    model,
				Sequence: len(order.Requests) + 1,
				Placer:   component(obr.Field(2), 1, d.Component),
				ORC:      pair[0],
				OBR:      pair[1],
			})
		}
	}
	return order, nil
}

func splitLines(raw []byte) []string {
	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// readHeader decodes the MSH segment, the first of lines.
func readHeader(lines []string) (*Order, error) {
	if len(lines) == 0 {
		return nil, &ParseError{Code: CodeSegmentSequence, Segment: "MSH", Reason: "message is empty"}
	}
	first := lines[0]
	if !strings.HasPrefix(first, "MSH") || len(first) < 8 {
		return nil, &ParseError{Code: CodeSegmentSequence, Segment: "MSH", Sequence: 1, Reason: "message does not start with a header segment"}
	}
	d := Delimiters{
		Field:        first[3],
		Component:    first[4],
		Repetition:   first[5],
		Escape:       first[6],
		Subcomponent: first[7],
	}
	if first[7] == d.Field {
		// only three encoding characters declared
		d.Subcomponent = DefaultDelimiters.Subcomponent
	}

	msh := parseSegment(first, d)
	order := &Order{
		Delimiters:        d,
		SendingApp:        msh.Field(3),
		SendingFacility:   msh.Field(4),
		ReceivingApp:      msh.Field(5),
		ReceivingFacility: msh.Field(6),
		MessageType:       msh.Field(9),
		ControlID:         d.UnescapeText(msh.Field(10)),
		Version:           msh.Field(12),
	}
	if msh.Count() < 12 {
		return order, &ParseError{Code: CodeRequiredFieldMissing, Segment: "MSH", Sequence: 1, Field: msh.Count() + 1,
			Reason: fmt.Sprintf("header has %d fields, expected at least 12", msh.Count())}
	}
	if err := validateControlID(order.ControlID); err != nil {
		return order, err
	}
	return order, nil
}

func validateControlID(id string) error {
	if id == "" {
		return &ParseError{Code: CodeRequiredFieldMissing, Segment: "MSH", Sequence: 1, Field: 10, Reason: "control identifier is missing"}
	}
	if len(id) > maxControlIDLength {
		return &ParseError{Code: CodeDataType, Segment: "MSH", Sequence: 1, Field: 10, Reason: "control identifier is too long"}
	}
	for _, c := range id {
		if c < 0x20 || c > 0x7e {
			return &ParseError{Code: CodeDataType, Segment: "MSH", Sequence: 1, Field: 10, Reason: "control identifier is not printable"}
		}
	}
	return nil
}

// matchesType compares message code and trigger event. The message structure
// component is ignored.
func matchesType(actual, expected string, d Delimiters) bool {
	a := strings.Split(actual, string(d.Component))
	e := strings.Split(expected, "^")
	if len(a) < len(e) {
		return false
	}
	for i := range e {
		if !strings.EqualFold(strings.TrimSpace(a[i]), e[i]) {
			return false
		}
	}
	return true
}

// sampleFromPath returns the last element of a slide path in either path style.
func sampleFromPath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// ApplyPolicy splits the requests of an order into the ones admitted for
// execution and the ones skipped under the multi segment policy.
func ApplyPolicy(order *Order, policy string) (admitted, skipped []SpecimenRequest, err error) {
	switch policy {
	case config.PolicyAll:
		return order.Requests, nil, nil
	case config.PolicyFirst:
		if len(order.Requests) == 0 {
			return nil, nil, nil
		}
		return order.Requests[:1], order.Requests[1:], nil
	case config.PolicyFirstPerSample:
		seen := map[string]bool{}
		for _, r := range order.Requests {
			if seen[r.Sample] {
				skipped = append(skipped, r)
				continue
			}
			seen[r.Sample] = true
			admitted = append(admitted, r)
		}
		return admitted, skipped, nil
	case config.PolicyReject:
		if len(order.Requests) > 1 {
			return nil, nil, &ParseError{Code: CodeSegmentSequence, Segment: "SPM",
				Reason: fmt.Sprintf("%d specimen requests in one order are not accepted", len(order.Requests))}
		}
		return order.Requests, nil, nil
	}
	return nil, nil, config.NewError("MultiSegmentPolicy", "unknown policy %q", policy)
}
