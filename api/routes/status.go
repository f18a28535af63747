package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/config"
)

// Dispatcher exposes the dispatcher state.
type Dispatcher interface {
	Stats() pipeline.Stats
	Snapshot() []pipeline.JobInfo
}

// DeliveryStatus describes the result outbox.
type DeliveryStatus struct {
	Enabled bool   `json:"enabled"`
	Count   int    `json:"count"`
	Running bool   `json:"running"`
	LisAddr string `json:"lis_addr,omitempty"`
}

// StatusResponse provides the dispatcher counters, the number of results
// waiting for delivery and the number of known models.
type StatusResponse struct {
	Dispatcher pipeline.Stats `json:"dispatcher"`
	Delivery   DeliveryStatus `json:"delivery"`
	Models     int            `json:"models"`
}

// StatusRequest creates a get request handler that will return status info for the dispatcher and outbox.
func StatusRequest(cfg *config.Config, dispatcher Dispatcher, box Outbox, models int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		status := StatusResponse{
			Dispatcher: dispatcher.Stats(),
			Models:     models,
		}
		if box != nil {
			status.Delivery = DeliveryStatus{
				Enabled: true,
				Count:   box.Size(),
				Running: box.Running(),
				LisAddr: cfg.Environment.LisAddr,
			}
		}
		handleJSON(w, r, status)
	}
}
