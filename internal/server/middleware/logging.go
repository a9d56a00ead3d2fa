package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/cipherhub/internal/errors"
	"github.com/3leaps/cipherhub/internal/observability"
)

// RequestLogger logs each request at debug (info for 5xx) and records it in
// metrics, labelled by the matched chi route pattern.
func RequestLogger(logger *zap.Logger, metrics *observability.HTTPMetrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.Record(r.Context(), route, r.Method, status, elapsed)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Info("Request failed", fields...)
				return
			}
			logger.Debug("Request served", fields...)
		})
	}
}
