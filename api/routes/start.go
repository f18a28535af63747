package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/config"
)

// StartRequest will start result delivery. If its already running then the request does nothing.
func StartRequest(cfg *config.Config, box Outbox) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		box.Start()
		w.WriteHeader(http.StatusNoContent)
	}
}
