package routes

import (
	"context"
	"net/http"
	"strconv"

	"github.com/aidss/lisbridge/api/ledger"
	"github.com/aidss/lisbridge/api/pipeline"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

const defaultJobsLimit = 50

// Ledger reads the recorded jobs.
type Ledger interface {
	Latest(ctx context.Context, sample, model string) (ledger.Record, error)
	Recent(ctx context.Context, limit int) ([]ledger.Record, error)
}

// JobsResponse lists the jobs in flight and the most recently finished ones.
type JobsResponse struct {
	Active []pipeline.JobInfo `json:"active"`
	Recent []ledger.Record    `json:"recent"`
}

// JobsRequest returns the queued and running jobs along with the last
// finished jobs, limited by the `limit` query parameter.
func JobsRequest(cfg *config.Config, dispatcher Dispatcher, jobs Ledger) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultJobsLimit
		if param := r.URL.Query().Get("limit"); param != "" {
			parsed, err := strconv.Atoi(param)
			if err != nil || parsed < 1 {
				handleErrorType(w, r, errors.Errorf("invalid limit %q", param), http.StatusBadRequest, cfg.Logger)
				return
			}
			limit = parsed
		}

		recent, err := jobs.Recent(r.Context(), limit)
		if err != nil {
			handleErrorType(w, r, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		handleJSON(w, r, JobsResponse{Active: dispatcher.Snapshot(), Recent: recent})
	}
}
