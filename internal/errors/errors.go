// Package errors renders failures as the service's JSON error envelope and
// maps domain errors onto HTTP status codes.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/cipherhub/pkg/blobstore"
	"github.com/3leaps/cipherhub/pkg/ingress"
	"github.com/3leaps/cipherhub/pkg/jobregistry"
	"github.com/3leaps/cipherhub/pkg/query"
	"github.com/3leaps/cipherhub/pkg/telemetry"
)

// Error codes carried in the envelope. Clients match on these, not on messages.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnknownJob         = "UNKNOWN_JOB"
	CodeDuplicateJob       = "DUPLICATE_JOB"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNotReady           = "NOT_READY"
	CodeArtifactMissing    = "ARTIFACT_NOT_FOUND"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnsupportedMedia   = "UNSUPPORTED_MEDIA_TYPE"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the inner error object.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the envelope every error response uses:
//
//	{"error":{"code":"UNKNOWN_JOB","message":"...","request_id":"..."}}
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPError pairs a status code with an envelope body.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *HTTPError) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy carrying details.
func (e *HTTPError) WithDetails(details map[string]interface{}) *HTTPError {
	out := *e
	out.Details = details
	return &out
}

func NewHTTPError(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

func NewValidationError(message string) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, CodeValidation, message)
}

func NewNotFoundError(message string) *HTTPError {
	return NewHTTPError(http.StatusNotFound, CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *HTTPError {
	return NewHTTPError(http.StatusMethodNotAllowed, CodeMethodNotAllowed, message)
}

func NewServiceUnavailableError(message string) *HTTPError {
	return NewHTTPError(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

func NewInternalError(message string) *HTTPError {
	return NewHTTPError(http.StatusInternalServerError, CodeInternal, message)
}

// FromError classifies err. Errors that already are *HTTPError pass through.
func FromError(err error) *HTTPError {
	var he *HTTPError
	if stderrors.As(err, &he) {
		return he
	}

	msg := err.Error()
	switch {
	case ingress.IsValidation(err),
		stderrors.Is(err, query.ErrInvalidRequest),
		stderrors.Is(err, jobregistry.ErrInvalidJob),
		stderrors.Is(err, telemetry.ErrInvalidSample),
		stderrors.Is(err, telemetry.ErrInvalidFilter):
		return NewHTTPError(http.StatusBadRequest, CodeValidation, msg)
	case jobregistry.IsUnknownJob(err):
		return NewHTTPError(http.StatusNotFound, CodeUnknownJob, msg)
	case jobregistry.IsDuplicateJob(err):
		return NewHTTPError(http.StatusConflict, CodeDuplicateJob, msg)
	case jobregistry.IsInvalidTransition(err):
		return NewHTTPError(http.StatusConflict, CodeInvalidTransition, msg)
	case stderrors.Is(err, query.ErrNotReady):
		return NewHTTPError(http.StatusConflict, CodeNotReady, msg)
	case stderrors.Is(err, blobstore.ErrNotFound):
		return NewHTTPError(http.StatusNotFound, CodeArtifactMissing, msg)
	case stderrors.Is(err, blobstore.ErrStoreUnavailable),
		stderrors.Is(err, jobregistry.ErrStoreUnavailable),
		stderrors.Is(err, telemetry.ErrStoreUnavailable),
		stderrors.Is(err, context.DeadlineExceeded):
		return NewHTTPError(http.StatusServiceUnavailable, CodeStoreUnavailable, msg)
	default:
		return NewInternalError("internal server error")
	}
}

type requestIDKey struct{}

// ContextWithRequestID stores the request id for envelope rendering.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RespondWithError classifies err and writes the envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	WriteHTTPError(w, r, FromError(err))
}

// WriteHTTPError writes he as a JSON envelope.
func WriteHTTPError(w http.ResponseWriter, r *http.Request, he *HTTPError) {
	body := HTTPErrorResponse{Error: ErrorBody{
		Code:    he.Code,
		Message: he.Message,
		Details: he.Details,
	}}
	if r != nil {
		body.Error.RequestID = RequestIDFromContext(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(he.Status)
	_ = json.NewEncoder(w).Encode(body)
}
