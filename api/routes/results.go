package routes

import (
	"net/http"

	"github.com/aidss/lisbridge/api/ledger"
	"github.com/aidss/lisbridge/config"
	"github.com/go-chi/chi"
	"github.com/pkg/errors"
)

// ResultRequest returns the last recorded job of a sample and model, so
// results stay retrievable after their order was acknowledged.
func ResultRequest(cfg *config.Config, jobs Ledger) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		sample := chi.URLParam(r, "sample")
		model := chi.URLParam(r, "model")

		rec, err := jobs.Latest(r.Context(), sample, model)
		if err == ledger.ErrNotFound {
			handleErrorType(w, r, errors.Errorf("no result for %s/%s", sample, model), http.StatusNotFound, cfg.Logger)
			return
		}
		if err != nil {
			handleErrorType(w, r, err, http.StatusInternalServerError, cfg.Logger)
			return
		}
		handleJSON(w, r, rec)
	}
}
