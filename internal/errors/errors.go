// Package errors maps domain errors onto the gofulmen error envelope and
// writes it as:
//
//	{"error":{"code":"NOT_FOUND","message":"...","request_id":"..."}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/task"
	"github.com/3leaps/snapvault/pkg/verify"
)

// Error codes used in envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// HTTPError is an error with a status code and an envelope code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// WithDetails attaches extra context to the envelope.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

func NewBadRequest(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func NewNotFound(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func NewMethodNotAllowed(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: msg}
}

func NewServiceUnavailable(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg}
}

func NewInternal(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}

// FromError classifies err. Unknown errors become INTERNAL_ERROR.
func FromError(err error) *HTTPError {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr
	}

	msg := err.Error()
	switch {
	case stderrors.Is(err, jobstate.ErrAlreadyRunning):
		return &HTTPError{Status: http.StatusConflict, Code: CodeConflict, Message: msg, Err: err}
	case stderrors.Is(err, verify.ErrUnknownJob),
		stderrors.Is(err, datastore.ErrNotFound),
		stderrors.Is(err, task.ErrTaskNotFound),
		stderrors.Is(err, jobstate.ErrNotFound):
		return &HTTPError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg, Err: err}
	case stderrors.Is(err, datastore.ErrUnavailable),
		stderrors.Is(err, task.ErrShuttingDown):
		return &HTTPError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: msg, Err: err}
	default:
		return &HTTPError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg, Err: err}
	}
}

// Envelope builds the gofulmen envelope for e. The request id becomes the
// correlation id and details become the envelope context.
func (e *HTTPError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(e.Details) > 0 {
		if withCtx, err := env.WithContext(e.Details); err == nil {
			env = withCtx
		}
	}
	return env
}

// ErrorBody is the "error" member of the envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// BodyFromEnvelope renders env as the "error" member. Envelope context is
// merged into details.
func BodyFromEnvelope(env *gferrors.ErrorEnvelope) ErrorBody {
	var wire struct {
		Code          string         `json:"code"`
		Message       string         `json:"message"`
		Details       map[string]any `json:"details"`
		Context       map[string]any `json:"context"`
		CorrelationID string         `json:"correlation_id"`
	}
	if env != nil {
		if data, err := json.Marshal(env); err == nil {
			_ = json.Unmarshal(data, &wire)
		}
	}

	body := ErrorBody{Code: wire.Code, Message: wire.Message, RequestID: wire.CorrelationID}
	if body.Code == "" {
		body.Code = CodeInternal
	}
	for _, m := range []map[string]any{wire.Details, wire.Context} {
		for k, v := range m {
			if body.Details == nil {
				body.Details = make(map[string]any)
			}
			body.Details[k] = v
		}
	}
	return body
}

// WriteEnvelope writes env with the given status.
func WriteEnvelope(w http.ResponseWriter, status int, env *gferrors.ErrorEnvelope) {
	WriteJSON(w, status, HTTPErrorResponse{Error: BodyFromEnvelope(env)})
}

// RespondWithError writes err as an error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := FromError(err)
	requestID := ""
	if r != nil {
		requestID = r.Header.Get(RequestIDHeader)
	}
	WriteEnvelope(w, httpErr.Status, httpErr.Envelope(requestID))
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
