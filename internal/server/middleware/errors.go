package middleware

import (
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pbqueue/internal/errors"
	"github.com/3leaps/pbqueue/internal/observability"
)

// ErrorResponse is the envelope written by the middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID assigns a request id, honoring an incoming X-Request-ID header.
func RequestID(next http.Handler) http.Handler {
	return chimw.RequestID(next)
}

// Recovery turns a panic in next into a 500 envelope.
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
			observability.CLILogger.Error("Handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			writeErrorResponse(w, r, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope, status int) {
	apperrors.WriteError(w, r, status, envelope)
}
