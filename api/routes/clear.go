package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/config"
)

// ClearResponse reports how many undelivered results were dropped.
type ClearResponse struct {
	Dropped int `json:"dropped"`
}

// ClearRequest drops every result waiting in the outbox.
func ClearRequest(cfg *config.Config, box Outbox) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		dropped, err := box.Clear()
		if err != nil {
			handleErrorType(w, r, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		handleJSON(w, r, ClearResponse{Dropped: dropped})
	}
}
