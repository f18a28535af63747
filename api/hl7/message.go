package hl7

import (
	"strings"
	"time"
)

// Delimiters are the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the recommended HL7 separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

func (d Delimiters) encodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Segment is one line of a message. Fields keeps the segment name at index 0
// so that for most segments Fields[n] is field n.
type Segment struct {
	Name   string
	Fields []string
	Raw    string
}

func parseSegment(line string, d Delimiters) Segment {
	fields := strings.Split(line, string(d.Field))
	return Segment{Name: fields[0], Fields: fields, Raw: line}
}

// Field returns field n using HL7 numbering. MSH-1 is the field separator
// itself, so MSH fields are shifted by one.
func (s Segment) Field(n int) string {
	i := n
	if s.Name == "MSH" {
		if n == 1 {
			return ""
		}
		i = n - 1
	}
	if i < 1 || i >= len(s.Fields) {
		return ""
	}
	return s.Fields[i]
}

// Count returns the number of the last field present.
func (s Segment) Count() int {
	if s.Name == "MSH" {
		return len(s.Fields)
	}
	return len(s.Fields) - 1
}

// component returns component n (1 based) of a field value.
func component(value string, n int, sep byte) string {
	parts := strings.Split(value, string(sep))
	if n < 1 || n > len(parts) {
		return ""
	}
	return parts[n-1]
}

// UnescapeText resolves the escape sequences for delimiter characters.
func (d Delimiters) UnescapeText(value string) string {
	esc := string(d.Escape)
	if !strings.Contains(value, esc) {
		return value
	}
	return strings.NewReplacer(
		esc+"F"+esc, string(d.Field),
		esc+"S"+esc, string(d.Component),
		esc+"R"+esc, string(d.Repetition),
		esc+"T"+esc, string(d.Subcomponent),
		esc+"E"+esc, esc,
	).Replace(value)
}

// EscapeText replaces delimiter characters in free text with escape sequences.
func (d Delimiters) EscapeText(value string) string {
	var b strings.Builder
	esc := string(d.Escape)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case d.Escape:
			b.WriteString(esc + "E" + esc)
		case d.Field:
			b.WriteString(esc + "F" + esc)
		case d.Component:
			b.WriteString(esc + "S" + esc)
		case d.Repetition:
			b.WriteString(esc + "R" + esc)
		case d.Subcomponent:
			b.WriteString(esc + "T" + esc)
		case '\r', '\n':
			b.WriteByte(' ')
		default:
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

// writer accumulates outbound segments.
type writer struct {
	d        Delimiters
	segments []string
}

func newWriter(d Delimiters) *writer {
	return &writer{d: d}
}

// segment appends a segment from already encoded field values.
func (w *writer) segment(name string, fields ...string) {
	// trailing empty fields are dropped
	last := len(fields)
	for last > 0 && fields[last-1] == "" {
		last--
	}
	w.segments = append(w.segments, name+string(w.d.Field)+strings.Join(fields[:last], string(w.d.Field)))
}

// raw appends a segment copied from an inbound message.
func (w *writer) raw(line string) {
	w.segments = append(w.segments, line)
}

// header appends an MSH segment. Application and facility values are copied
// already encoded from the inbound header.
func (w *writer) header(h header) {
	w.segments = append(w.segments, "MSH"+string(w.d.Field)+strings.Join([]string{
		w.d.encodingCharacters(),
		h.sendingApp,
		h.sendingFacility,
		h.receivingApp,
		h.receivingFacility,
		h.timestamp.Format(timestampLayout),
		"",
		h.messageType,
		h.controlID,
		h.processingID,
		h.version,
	}, string(w.d.Field)))
}

func (w *writer) bytes() []byte {
	return []byte(strings.Join(w.segments, "\r") + "\r")
}

const timestampLayout = "20060102150405"

type header struct {
	sendingApp        string
	sendingFacility   string
	receivingApp      string
	receivingFacility string
	timestamp         time.Time
	messageType       string
	controlID         string
	processingID      string
	version           string
}
