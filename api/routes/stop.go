package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/config"
)

// StopRequest stops result delivery. Results are still queued, but not sent to the LIS.
func StopRequest(cfg *config.Config, box Outbox) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		box.Stop()
		w.WriteHeader(http.StatusNoContent)
	}
}
