// Package errors defines the coded errors shared by the pipeline stages
// and how they are reported over HTTP.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
)

// Error codes.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeRateLimited   = "RATE_LIMITED"

	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"

	// Collaborators: the entity broker, the blob store and the
	// similarity service.
	CodeBroker  = "BROKER_ERROR"
	CodeBlob    = "BLOB_ERROR"
	CodeSimCore = "SIMCORE_ERROR"

	// Pipeline stages.
	CodeGeo    = "GEO_ERROR"
	CodeRender = "RENDER_ERROR"
	CodeReport = "REPORT_ERROR"
)

// statusByCode maps codes to HTTP statuses. Unlisted codes are 500.
var statusByCode = map[string]int{
	CodeValidation:    http.StatusBadRequest,
	CodeNotFound:      http.StatusNotFound,
	CodeAlreadyExists: http.StatusConflict,
	CodeRateLimited:   http.StatusTooManyRequests,
	CodeUnavailable:   http.StatusServiceUnavailable,
	CodeBroker:        http.StatusBadGateway,
	CodeBlob:          http.StatusBadGateway,
	CodeSimCore:       http.StatusBadGateway,
}

// AppError is an error with a stable code, a client-safe message and
// optional details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// HTTPStatus returns the status the code is reported with.
func (e *AppError) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an AppError.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around err.
func Wrap(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// WithDetails replaces the details.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail sets one detail.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func ValidationError(message string) *AppError { return New(CodeValidation, message) }

func NotFoundError(resource string) *AppError { return New(CodeNotFound, resource+" not found") }

func AlreadyExistsError(resource string) *AppError {
	return New(CodeAlreadyExists, resource+" already exists")
}

func InternalError(message string, err error) *AppError { return Wrap(CodeInternal, message, err) }

func BrokerError(message string, err error) *AppError { return Wrap(CodeBroker, message, err) }

func BlobError(message string, err error) *AppError { return Wrap(CodeBlob, message, err) }

func SimCoreError(message string, err error) *AppError { return Wrap(CodeSimCore, message, err) }

func GeoError(message string, err error) *AppError { return Wrap(CodeGeo, message, err) }

func RenderError(message string, err error) *AppError { return Wrap(CodeRender, message, err) }

func ReportError(message string, err error) *AppError { return Wrap(CodeReport, message, err) }

// RateLimitedError carries the wait in seconds as the retry_after detail.
func RateLimitedError(retryAfterSeconds int) *AppError {
	err := New(CodeRateLimited, "rate limit exceeded")
	if retryAfterSeconds > 0 {
		err.WithDetail("retry_after", strconv.Itoa(retryAfterSeconds))
	}
	return err
}

// ServiceUnavailableError names the missing service.
func ServiceUnavailableError(service string) *AppError {
	if service == "" {
		return New(CodeUnavailable, "service unavailable")
	}
	return New(CodeUnavailable, fmt.Sprintf("%s is unavailable", service))
}

func asApp(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	if appErr, ok := asApp(err); ok {
		return appErr.Code
	}
	return ""
}

func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// internalResponse hides the cause of errors without a code.
var internalResponse = ErrorResponse{Code: CodeInternal, Message: "an unexpected error occurred"}

// WriteError reports err with the status of its code. Errors without an
// AppError in their chain are reported as a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := asApp(err)
	if !ok {
		write(w, http.StatusInternalServerError, internalResponse)
		return
	}
	WriteErrorWithStatus(w, appErr.HTTPStatus(), appErr)
}

// WriteErrorWithStatus reports err with an explicit status. Causes of
// errors without an AppError are only shown for 4xx statuses.
func WriteErrorWithStatus(w http.ResponseWriter, status int, err error) {
	if appErr, ok := asApp(err); ok {
		write(w, status, ErrorResponse{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details})
		return
	}
	if status >= 400 && status < 500 {
		write(w, status, ErrorResponse{Code: codeForStatus(status), Message: err.Error()})
		return
	}
	write(w, status, internalResponse)
}

func write(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// codeForStatus is the reverse of statusByCode for 4xx statuses.
func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeAlreadyExists
	case http.StatusTooManyRequests:
		return CodeRateLimited
	}
	return CodeValidation
}
