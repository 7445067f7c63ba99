// Package errors renders taskd errors as HTTP JSON envelopes.
//
// Every error response has the shape:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "details": {...}, "request_id": "..."}}
//
// Envelopes are built with gofulmen's errors package; the request id travels
// as its correlation id and details as its context.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/go-playground/validator/v10"

	"github.com/3leaps/taskd/pkg/artifact"
	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/plugin"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeNotDeclared        = "NOT_DECLARED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInvalidState       = "INVALID_STATE"
	CodeInternal           = "INTERNAL_ERROR"
	CodeNotInstantiable    = "NOT_INSTANTIABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// ErrForbidden is returned when the caller lacks a job's permission.
var ErrForbidden = errors.New("forbidden")

// ErrBadRequest marks malformed input.
var ErrBadRequest = errors.New("bad request")

// ErrorBody is the wire form of an envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope written to clients.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Classify maps err to an HTTP status and envelope code.
func Classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrBadRequest), errors.Is(err, artifact.ErrInvalidName), errors.As(err, &verrs):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case job.IsNotFound(err), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, CodeNotFound
	case plugin.IsNotDeclared(err):
		return http.StatusNotFound, CodeNotDeclared
	case job.IsInvalidState(err):
		return http.StatusConflict, CodeInvalidState
	case plugin.IsNotInstantiable(err):
		return http.StatusInternalServerError, CodeNotInstantiable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an envelope with the status Classify
// picks.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	RespondWithCode(w, r, status, code, err.Error(), nil)
}

// RespondWithCode writes an explicit envelope.
func RespondWithCode(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	RespondWithEnvelope(w, status, NewEnvelope(r, code, message, details))
}

// NewEnvelope builds the envelope for a failed request. Details that the
// envelope rejects are dropped rather than failing the response.
func NewEnvelope(r *http.Request, code, message string, details map[string]any) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(code, message)
	if r != nil {
		if id := requestID(r); id != "" {
			env = env.WithCorrelationID(id)
		}
	}
	if len(details) > 0 {
		if withCtx, err := env.WithContext(details); err == nil {
			env = withCtx
		}
	}
	return env
}

// Body renders env in wire form.
func Body(env *gferrors.ErrorEnvelope) HTTPErrorResponse {
	return HTTPErrorResponse{Error: ErrorBody{
		Code:      env.Code,
		Message:   env.Message,
		Details:   env.Context,
		RequestID: env.CorrelationID,
	}}
}

// RespondWithEnvelope writes env with status.
func RespondWithEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	RespondWithJSON(w, status, Body(env))
}

// RespondWithJSON writes v as JSON with status.
func RespondWithJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return r.Header.Get(RequestIDHeader)
}

type requestIDKey struct{}

// WithRequestID returns r with id attached to its context.
func WithRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
}

// RequestID returns the request id attached to r, if any.
func RequestID(r *http.Request) string {
	return requestID(r)
}
