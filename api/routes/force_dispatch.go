package routes

import (
	"context"
	"net/http"

	"github.com/aidss/lisbridge/config"
)

// Deliverer sends the oldest waiting result.
type Deliverer interface {
	DeliverNext(ctx context.Context) (bool, error)
}

// ForceDeliverResponse tells whether a result was sent.
type ForceDeliverResponse struct {
	Delivered bool `json:"delivered"`
}

// ForceDeliverRequest sends the next result in the outbox regardless of whether
// delivery is running.
func ForceDeliverRequest(cfg *config.Config, box Deliverer) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		delivered, err := box.DeliverNext(r.Context())
		if err != nil {
			handleErrorType(w, r, err, http.StatusBadGateway, cfg.Logger)
			return
		}
		handleJSON(w, r, ForceDeliverResponse{Delivered: delivered})
	}
}
