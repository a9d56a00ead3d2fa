package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/cipherhub/internal/errors"
	"github.com/3leaps/cipherhub/internal/observability"
)

// ErrorResponse is the envelope written on recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.ServerLogger.Error("Handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())),
				zap.Any("panic", rec),
				zap.Stack("stack"))

			writeErrorResponse(w, r, apperrors.NewInternalError(fmt.Sprintf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router setup uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, he *apperrors.HTTPError) {
	apperrors.WriteHTTPError(w, r, he)
}
