package api

import (
	"context"
	"sync"

	"github.com/aidss/lisbridge/api/ack"
	"github.com/aidss/lisbridge/api/hl7"
	"github.com/aidss/lisbridge/api/outbox"
	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/config"
)

// Dispatcher admits the requests of an order.
type Dispatcher interface {
	Submit(ctx context.Context, order *hl7.Order, admitted, skipped []hl7.SpecimenRequest) *pipeline.Ticket
}

// OrderService answers inbound order messages: it decodes the order, hands its
// requests to the dispatcher and acknowledges the order once every request
// finished or the order timeout elapsed. Results of succeeded requests are
// queued for delivery to the LIS, also when they finish after the
// acknowledgment was sent.
type OrderService struct {
	config.Config
	dispatcher Dispatcher
	responder  *ack.Responder
	outbox     *outbox.Outbox
	wg         sync.WaitGroup
}

// NewOrderService creates the order service. box may be nil when results are
// not delivered to the LIS.
func NewOrderService(cfg *config.Config, dispatcher Dispatcher, responder *ack.Responder, box *outbox.Outbox) *OrderService {
	return &OrderService{
		Config:     *cfg,
		dispatcher: dispatcher,
		responder:  responder,
		outbox:     box,
	}
}

// Handle processes one inbound message and returns the acknowledgment.
func (s *OrderService) Handle(ctx context.Context, payload []byte) []byte {
	order, err := hl7.Parse(payload, s.Environment.ExpectedMessageType)
	if err != nil {
		return s.responder.Reject(order, err)
	}
	admitted, skipped, err := hl7.ApplyPolicy(order, s.Environment.MultiSegmentPolicy)
	if err != nil {
		return s.responder.Reject(order, err)
	}
	s.Logger.Infof("Received order %s with %d requests, %d admitted", order.ControlID, len(order.Requests), len(admitted))

	ticket := s.dispatcher.Submit(ctx, order, admitted, skipped)
	if s.outbox != nil {
		s.wg.Add(1)
		go s.deliver(ticket)
	}
	report := s.responder.Await(ctx, ticket, s.Environment.OrderTimeout())
	return s.responder.Respond(report)
}

// deliver queues the result message of every request of ticket that
// succeeds.
func (s *OrderService) deliver(ticket *pipeline.Ticket) {
	defer s.wg.Done()
	for _, future := range ticket.Futures {
		<-future.Done()
		outcome := future.Outcome()
		if outcome.Status != pipeline.Succeeded {
			continue
		}
		if err := s.outbox.Add(ticket.Order, outcome); err != nil {
			s.Logger.Errorf("Failed to queue result of %s/%s for order %s: %v",
				outcome.Request.Sample, outcome.Request.Model, ticket.Order.ControlID, err)
		}
	}
}

// Wait blocks until the results of every handled order were queued.
func (s *OrderService) Wait() {
	s.wg.Wait()
}
