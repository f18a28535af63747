package routes

import (
	"net/http"

	"github.com/go-chi/render"
	"go.uber.org/zap"
)

// ErrorResponse is the body of failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func handleJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	render.JSON(w, r, data)
}

func handleErrorType(w http.ResponseWriter, r *http.Request, err error, code int, logger *zap.SugaredLogger) {
	if code >= http.StatusInternalServerError {
		logger.Errorf("%+v", err)
	} else {
		logger.Warn(err)
	}
	render.Status(r, code)
	render.JSON(w, r, ErrorResponse{Error: http.StatusText(code)})
}
