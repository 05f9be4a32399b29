// Package errors renders API failures as the standard JSON error envelope:
//
//	{"error":{"code":"NOT_FOUND","message":"job not found"}}
//
// Envelopes are built as gofulmen error envelopes and flattened to the wire
// shape when written.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// HTTPError is the body of an error envelope.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// AppError is an error that knows its HTTP status and envelope code.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches structured context to the envelope.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

func NewBadRequest(msg string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func NewNotFound(msg string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func NewConflict(msg string) *AppError {
	return &AppError{Status: http.StatusConflict, Code: CodeConflict, Message: msg}
}

func NewServiceUnavailable(msg string) *AppError {
	return &AppError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg}
}

// NewInternal wraps err as a 500. The wrapped error is not exposed to clients.
func NewInternal(msg string, err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Err: err}
}

// NewEnvelope builds a gofulmen envelope. Details become the envelope
// context; if they are rejected the envelope is returned without them.
func NewEnvelope(code, msg string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, msg)
	if len(details) == 0 {
		return env
	}
	withCtx, err := env.WithContext(details)
	if err != nil {
		return env
	}
	return withCtx
}

// FromEnvelope flattens env into the wire body.
func FromEnvelope(env *gferrors.ErrorEnvelope) HTTPError {
	if env == nil {
		return HTTPError{Code: CodeInternal, Message: "internal server error"}
	}
	body := HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
	}
	if len(env.Context) > 0 {
		body.Details = make(map[string]any, len(env.Context))
		for k, v := range env.Context {
			body.Details[k] = v
		}
	}
	return body
}

// WriteError writes env with the given status. The chi request id, when
// present, becomes the envelope correlation id.
func WriteError(w http.ResponseWriter, r *http.Request, status int, env *gferrors.ErrorEnvelope) {
	if env == nil {
		env = gferrors.NewErrorEnvelope(CodeInternal, "internal server error")
	}
	if env.CorrelationID == "" && r != nil {
		if id := chimw.GetReqID(r.Context()); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: FromEnvelope(env)})
}

// RespondWithError writes err as an envelope. Errors that are not an
// *AppError become a generic 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = NewInternal("internal server error", err)
	}
	WriteError(w, r, appErr.Status, NewEnvelope(appErr.Code, appErr.Message, appErr.Details))
}

// NotFoundHandler is the router fallback for unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound,
		gferrors.NewErrorEnvelope(CodeNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
}

// MethodNotAllowedHandler is the router fallback for known routes hit with
// an unsupported method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed,
		gferrors.NewErrorEnvelope(CodeMethodNotAllowed, fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path)))
}
