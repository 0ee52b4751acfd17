package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Logging attaches log to every request with a request id and the remote
// address, and writes one access line per request.
func Logging(log zerolog.Logger) []mux.MiddlewareFunc {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		event := hlog.FromRequest(r).Info()
		if status >= http.StatusInternalServerError {
			event = hlog.FromRequest(r).Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})

	return []mux.MiddlewareFunc{
		hlog.NewHandler(log),
		hlog.RemoteAddrHandler("ip"),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		access,
	}
}
