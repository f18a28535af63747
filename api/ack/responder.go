package ack

import (
	"context"
	"fmt"
	"time"

	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Report aggregates the outcomes of one order at acknowledgment time.
type Report struct {
	Order    *hl7.Order
	Outcomes []pipeline.Outcome
	Skipped  []hl7.SpecimenRequest
	// TimedOut is set when the order timeout elapsed before every job finished.
	TimedOut bool
	// Interrupted is set when the wait was cut short by a shutdown.
	Interrupted bool
}

// Pending returns the outcomes that were not terminal when the report was made.
func (r Report) Pending() []pipeline.Outcome {
	var pending []pipeline.Outcome
	for _, o := range r.Outcomes {
		if !o.Status.Terminal() {
			pending = append(pending, o)
		}
	}
	return pending
}

// Code returns AA when every admitted request succeeded, AE otherwise.
// Skipped requests do not count against the order.
func (r Report) Code() hl7.AckCode {
	if len(r.Outcomes) == 0 {
		return hl7.ApplicationError
	}
	for _, o := range r.Outcomes {
		if o.Status != pipeline.Succeeded {
			return hl7.ApplicationError
		}
	}
	return hl7.ApplicationAccept
}

// Responder assembles acknowledgments for orders.
type Responder struct {
	config.Config
	now func() time.Time
}

// NewResponder creates a responder.
func NewResponder(cfg *config.Config) *Responder {
	return &Responder{Config: *cfg, now: time.Now}
}

// Await blocks until every request of ticket is terminal, timeout elapses or
// ctx is cancelled. Jobs still running when it returns are not affected.
func (r *Responder) Await(ctx context.Context, ticket *pipeline.Ticket, timeout time.Duration) Report {
	report := Report{Order: ticket.Order, Skipped: ticket.Skipped}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

wait:
	for _, future := range ticket.Futures {
		select {
		case <-future.Done():
		case <-timer.C:
			report.TimedOut = true
			break wait
		case <-ctx.Done():
			report.Interrupted = true
			break wait
		}
	}

	for _, future := range ticket.Futures {
		report.Outcomes = append(report.Outcomes, future.Outcome())
	}
	if report.TimedOut {
		r.Logger.Warnf("Order %s timed out with %d pending requests", ticket.Order.ControlID, len(report.Pending()))
	}
	return report
}

func (r *Responder) envelope() hl7.Envelope {
	return hl7.Envelope{
		ControlID:    uuid.NewString(),
		ProcessingID: r.Environment.ProcessingID,
		Timestamp:    r.now(),
	}
}

// Entries returns the ERR rows of a report in request order.
func Entries(report Report) []hl7.ErrorEntry {
	var entries []hl7.ErrorEntry
	for _, o := range report.Outcomes {
		switch {
		case o.Status == pipeline.Succeeded:
			continue
		case !o.Status.Terminal():
			state := "still " + string(o.Status)
			if report.Interrupted {
				state += " at shutdown"
			}
			entries = append(entries, entry(o.Request, hl7.SeverityWarning, string(pipeline.Timeout), state))
		default:
			reason := string(o.Status)
			if o.Err != nil {
				reason = o.Err.Error()
			}
			entries = append(entries, entry(o.Request, hl7.SeverityError, string(o.Failure), reason))
		}
	}
	for _, req := range report.Skipped {
		entries = append(entries, entry(req, hl7.SeverityInformation, "Skipped", "not admitted by the multi segment policy"))
	}
	return entries
}

func entry(req hl7.SpecimenRequest, severity, kind, reason string) hl7.ErrorEntry {
	return hl7.ErrorEntry{
		Code:     hl7.CodeApplicationError,
		Severity: severity,
		Segment:  "SPM",
		Sequence: req.Sequence,
		Message:  fmt.Sprintf("sample=%s model=%s failure=%s: %s", req.Sample, req.Model, kind, reason),
	}
}

// Respond encodes the acknowledgment of an order.
func (r *Responder) Respond(report Report) []byte {
	code := report.Code()
	entries := Entries(report)
	r.Logger.Infof("Acknowledging order %s with %s (%d outcomes, %d error rows)",
		report.Order.ControlID, code, len(report.Outcomes), len(entries))
	return hl7.BuildAck(report.Order, code, entries, r.envelope())
}

// Reject encodes an AR acknowledgment for a message that could not be
// accepted. order may be nil or hold only the decoded header.
func (r *Responder) Reject(order *hl7.Order, err error) []byte {
	var parseErr *hl7.ParseError
	var entries []hl7.ErrorEntry
	if errors.As(err, &parseErr) {
		entries = append(entries, hl7.EntryFor(parseErr))
	} else {
		entries = append(entries, hl7.ErrorEntry{
			Code:     hl7.CodeApplicationError,
			Severity: hl7.SeverityError,
			Message:  err.Error(),
		})
	}
	controlID := ""
	if order != nil {
		controlID = order.ControlID
	}
	r.Logger.Warnf("Rejecting message %q: %v", controlID, err)
	return hl7.BuildAck(order, hl7.ApplicationReject, entries, r.envelope())
}
