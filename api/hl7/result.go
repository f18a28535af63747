package hl7

import "strconv"

// OBX-2 value types used in result messages.
const (
	ValueString  = "ST"
	ValueNumeric = "NM"
	ValueEncoded = "ED"
)

// Observation is one OBX row of a result message.
type Observation struct {
	ID        string
	ValueType string
	Value     string
}

// BuildResult builds the OUL^R21 message reporting the outcome of one request.
// Patient, order and request segments are copied from the order so that the LIS
// can attach the observations to the originating request.
func BuildResult(order *Order, req SpecimenRequest, observations []Observation, env Envelope) []byte {
	d := order.Delimiters
	w := newWriter(d)
	w.header(header{
		sendingApp:        order.ReceivingApp,
		sendingFacility:   order.ReceivingFacility,
		receivingApp:      order.SendingApp,
		receivingFacility: order.SendingFacility,
		timestamp:         env.Timestamp,
		messageType:       "OUL" + string(d.Component) + "R21",
		controlID:         d.EscapeText(env.ControlID),
		processingID:      env.ProcessingID,
		version:           versionOf(order),
	})
	if order.PID != "" {
		w.raw(order.PID)
	}
	if req.ORC != "" {
		w.raw(req.ORC)
	}
	if req.OBR != "" {
		w.raw(req.OBR)
	} else {
		w.segment("OBR", "1", d.EscapeText(req.Sample))
	}

	label := req.Placer
	if label == "" {
		label = d.EscapeText(req.Sample)
	}
	for i, o := range observations {
		// OBX-1 set id, OBX-2 type, OBX-3 identifier, OBX-5 value, OBX-11 result status
		w.segment("OBX", strconv.Itoa(i+1), o.ValueType, label+string(d.Component)+d.EscapeText(o.ID), "",
			d.EscapeText(o.Value), "", "", "", "", "", "F")
	}
	return w.bytes()
}
