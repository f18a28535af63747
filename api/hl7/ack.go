package hl7

import (
	"strconv"
	"time"
)

// AckCode is the MSA-1 acknowledgment code.
type AckCode string

const (
	// ApplicationAccept reports that every request was processed.
	ApplicationAccept AckCode = "AA"
	// ApplicationError reports that some requests failed or are still pending.
	ApplicationError AckCode = "AE"
	// ApplicationReject reports that the message itself was refused.
	ApplicationReject AckCode = "AR"
)

// ERR-4 severities.
const (
	SeverityError       = "E"
	SeverityWarning     = "W"
	SeverityInformation = "I"
)

const defaultVersion = "2.6"

// Envelope carries the values this application stamps on outbound headers.
type Envelope struct {
	ControlID    string
	ProcessingID string
	Timestamp    time.Time
}

// ErrorEntry is one ERR segment of an acknowledgment.
type ErrorEntry struct {
	Code     int
	Severity string
	Segment  string
	Sequence int
	Field    int
	Message  string
}

var codeText = map[int]string{
	CodeSegmentSequence:        "Segment sequence error",
	CodeRequiredFieldMissing:   "Required field missing",
	CodeDataType:               "Data type error",
	CodeUnsupportedMessageType: "Unsupported message type",
	CodeApplicationError:       "Application internal error",
}

// EntryFor converts a parse error into an ERR entry.
func EntryFor(err *ParseError) ErrorEntry {
	return ErrorEntry{
		Code:     err.Code,
		Severity: SeverityError,
		Segment:  err.Segment,
		Sequence: err.Sequence,
		Field:    err.Field,
		Message:  err.Reason,
	}
}

// BuildAck builds the acknowledgment for an order. order may carry only the
// header when the message was rejected during parsing, or be nil when not even
// the header could be read.
func BuildAck(order *Order, code AckCode, entries []ErrorEntry, env Envelope) []byte {
	if order == nil {
		order = &Order{Delimiters: DefaultDelimiters}
	}
	d := order.Delimiters
	w := newWriter(d)
	w.header(header{
		sendingApp:        order.ReceivingApp,
		sendingFacility:   order.ReceivingFacility,
		receivingApp:      order.SendingApp,
		receivingFacility: order.SendingFacility,
		timestamp:         env.Timestamp,
		messageType:       "ACK",
		controlID:         d.EscapeText(env.ControlID),
		processingID:      env.ProcessingID,
		version:           versionOf(order),
	})
	w.segment("MSA", string(code), d.EscapeText(order.ControlID))
	for _, e := range entries {
		location := ""
		if e.Segment != "" {
			location = e.Segment + string(d.Component)
			if e.Sequence > 0 {
				location += strconv.Itoa(e.Sequence)
			}
			if e.Field > 0 {
				location += string(d.Component) + strconv.Itoa(e.Field)
			}
		}
		condition := strconv.Itoa(e.Code) + string(d.Component) + d.EscapeText(codeText[e.Code]) + string(d.Component) + "HL70357"
		// ERR-2 location, ERR-3 condition, ERR-4 severity, ERR-8 user message
		w.segment("ERR", "", location, condition, e.Severity, "", "", "", d.EscapeText(e.Message))
	}
	return w.bytes()
}

func versionOf(order *Order) string {
	if order.Version != "" {
		return order.Version
	}
	return defaultVersion
}

// Ack is a decoded acknowledgment.
type Ack struct {
	Code      AckCode
	ControlID string
	Errors    []string
}

// ParseAck decodes an ACK, as returned by the LIS for delivered results.
func ParseAck(raw []byte) (*Ack, error) {
	lines := splitLines(raw)
	order, err := readHeader(lines)
	if err != nil {
		return nil, err
	}
	d := order.Delimiters
	ack := &Ack{}
	for _, line := range lines[1:] {
		seg := parseSegment(line, d)
		switch seg.Name {
		case "MSA":
			ack.Code = AckCode(seg.Field(1))
			ack.ControlID = d.UnescapeText(seg.Field(2))
		case "ERR":
			ack.Errors = append(ack.Errors, d.UnescapeText(seg.Field(8)))
		}
	}
	if ack.Code == "" {
		return nil, &ParseError{Code: CodeSegmentSequence, Segment: "MSA", Reason: "acknowledgment carries no MSA segment"}
	}
	return ack, nil
}
