// Package errors renders gofulmen error envelopes for the status server.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// Error codes used in HTTP responses.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// RequestIDHeader carries the request id, reported as the envelope's
// correlation id.
const RequestIDHeader = "X-Request-ID"

// HTTPErrorResponse is the body of every error response.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// HTTPError is the wire form of a gofulmen envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// StatusError is an error carrying its HTTP status and response code.
type StatusError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError reports an unavailable dependency.
func NewExternalServiceError(message string) *StatusError {
	return &StatusError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message}
}

// WrapInternal wraps err as a 500.
func WrapInternal(err error, message string) *StatusError {
	return &StatusError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

// Envelope converts err into a gofulmen envelope and its HTTP status.
//
// Scalar details travel as envelope context. Details holding structured
// values, like per-check health results, are attached as envelope details
// instead.
func Envelope(err error, requestID string) (*gferrors.ErrorEnvelope, int) {
	var se *StatusError
	if !errors.As(err, &se) {
		env := gferrors.NewErrorEnvelope(CodeInternal, "internal error").WithCorrelationID(requestID)
		_, _ = env.WithSeverity(gferrors.SeverityHigh)
		return env, http.StatusInternalServerError
	}

	env := gferrors.NewErrorEnvelope(se.Code, se.Message).WithCorrelationID(requestID)
	if se.Status >= http.StatusInternalServerError {
		_, _ = env.WithSeverity(gferrors.SeverityHigh)
	}
	if len(se.Details) > 0 {
		if _, cerr := env.WithContext(se.Details); cerr != nil {
			env.Context = nil
			env.WithDetails(se.Details)
		}
	}
	return env, se.Status
}

// Response flattens env into the response body. Envelope context and
// details are both reported under "details".
func Response(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	var details map[string]any
	if len(env.Details)+len(env.Context) > 0 {
		details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			details[k] = v
		}
		for k, v := range env.Context {
			details[k] = v
		}
	}
	return HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
		Details:   details,
	}}
}

// WriteEnvelope writes env with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response(env))
}

// RespondWithError writes err as an envelope. A *StatusError keeps its status
// and code; anything else becomes a 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var requestID string
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
	}
	env, status := Envelope(err, requestID)
	WriteEnvelope(w, env, status)
}

// NotFound is the router's 404 handler.
func NotFound(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, &StatusError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "route not found: " + r.URL.Path})
}

// MethodNotAllowed is the router's 405 handler.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	RespondWithError(w, r, &StatusError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: "method " + r.Method + " not allowed"})
}
