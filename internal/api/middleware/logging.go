package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RequestLogger logs every request and feeds the HTTP metrics.
func RequestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			t1 := time.Now()
			defer func() {
				duration := time.Since(t1)
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Dur("latency", duration).
					Int("status", ww.Status()).
					Int("size", ww.BytesWritten()).
					Msg("Request")

				recordMetrics(r.Method, r.URL.Path, ww.Status(), duration)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
