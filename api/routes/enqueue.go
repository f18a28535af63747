package routes

import (
	"io"
	"net/http"

	"github.com/aidss/lisbridge/api/mllp"
	"github.com/aidss/lisbridge/config"
	"github.com/pkg/errors"
)

// EnqueueRequest accepts an order message over HTTP instead of MLLP and
// responds with its acknowledgment once the order completed or timed out.
func EnqueueRequest(cfg *config.Config, handler mllp.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(cfg.Environment.MaxMessageBytes)+1))
		if err != nil {
			handleErrorType(w, r, errors.Wrap(err, "failed to read order message"), http.StatusBadRequest, cfg.Logger)
			return
		}
		if len(body) > cfg.Environment.MaxMessageBytes {
			handleErrorType(w, r, errors.Errorf("order message exceeds %d bytes", cfg.Environment.MaxMessageBytes),
				http.StatusRequestEntityTooLarge, cfg.Logger)
			return
		}

		reply := handler.Handle(r.Context(), body)
		w.Header().Set("Content-Type", "x-application/hl7-v2+er7")
		_, _ = w.Write(reply)
	}
}
