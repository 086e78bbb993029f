// Package middleware holds HTTP middleware for the status server.
package middleware

import (
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/framefarm/internal/errors"
	"github.com/3leaps/framefarm/internal/observability"
)

// RequestIDHeader carries the request id.
const RequestIDHeader = apperrors.RequestIDHeader

// ErrorResponse is the JSON body written on failure.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID assigns a request id when the client sent none and echoes it in
// the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

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

			requestID := r.Header.Get(RequestIDHeader)
			observability.CLILogger.Error("Recovered from handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.Any("panic", rec))

			envelope := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
				WithCorrelationID(requestID)
			_, _ = envelope.WithSeverity(gferrors.SeverityCritical)
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, envelope, status)
}
