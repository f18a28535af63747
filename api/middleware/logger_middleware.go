package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"
)

// Logger returns a middleware that writes one line per admin request. Sample
// identifiers in paths and query strings are logged as hashes so patient data
// stays out of the logs. Server errors are logged as warnings.
func Logger(l *zap.SugaredLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			line := newRequestLogger().
				requestID(middleware.GetReqID(r.Context())).
				requestType(r.Method).
				request(r.URL.String()).
				params(r.URL.String()).
				status(status).
				duration(time.Since(start)).
				render()

			log := l.Infow
			if status >= http.StatusInternalServerError {
				log = l.Warnw
			}
			log(line, "bytes", ww.BytesWritten())
		})
	}
}
