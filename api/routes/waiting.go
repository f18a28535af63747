package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/api/outbox"
	"github.com/aidss/lisbridge/config"
)

// Outbox exposes the result messages waiting for delivery.
type Outbox interface {
	Size() int
	Running() bool
	Pending() ([]outbox.Message, error)
	Start()
	Stop()
	Clear() (int, error)
}

// WaitingResponse lists the results waiting for delivery to the LIS.
type WaitingResponse struct {
	Count    int              `json:"count"`
	Messages []outbox.Message `json:"messages"`
}

// Waiting creates a get request handler that will return the results currently waiting in the outbox
func Waiting(cfg *config.Config, box Outbox) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		messages, err := box.Pending()
		if err != nil {
			handleErrorType(w, r, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		handleJSON(w, r, WaitingResponse{Count: len(messages), Messages: messages})
	}
}
