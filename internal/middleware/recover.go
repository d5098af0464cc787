package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
	"github.com/reviewmaster/billing-api/internal/pkg/response"
)

// Recover turns a handler panic into a 500 and counts it. A panic after the
// response has started only gets logged.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			log.Error().
				Interface("panic", rec).
				Str("request_id", GetRequestID(r.Context())).
				Str("account_id", GetAccountID(r.Context()).String()).
				Str("stack", string(debug.Stack())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("Panic recovered")
			metrics.HTTPPanics.Inc()

			if !wrapped.written {
				response.InternalError(wrapped)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}
