package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeValidation, "invalid input"),
			want: "VALIDATION_ERROR: invalid input",
		},
		{
			name: "with wrapped error",
			err:  Wrap(CodeInternal, "something failed", errors.New("underlying")),
			want: "INTERNAL_ERROR: something failed: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(CodeInternal, "wrapped", underlying)

	if unwrapped := err.Unwrap(); unwrapped != underlying {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, underlying)
	}
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
		{CodeGeo, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
		{CodeBroker, http.StatusBadGateway},
		{CodeBlob, http.StatusBadGateway},
		{CodeSimCore, http.StatusBadGateway},
		{CodeRender, http.StatusInternalServerError},
		{CodeReport, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "test")
			if status := err.HTTPStatus(); status != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestAppError_WithDetails(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithDetails(map[string]string{"field": "name"})

	if err.Details["field"] != "name" {
		t.Errorf("Details[field] = %s, want name", err.Details["field"])
	}
}

func TestAppError_WithDetail(t *testing.T) {
	err := New(CodeValidation, "invalid").
		WithDetail("field", "name").
		WithDetail("reason", "required")

	if err.Details["field"] != "name" {
		t.Errorf("Details[field] = %s, want name", err.Details["field"])
	}

	if err.Details["reason"] != "required" {
		t.Errorf("Details[reason] = %s, want required", err.Details["reason"])
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("ValidationError", func(t *testing.T) {
		err := ValidationError("bad input")
		if err.Code != CodeValidation {
			t.Errorf("Code = %s, want %s", err.Code, CodeValidation)
		}
	})

	t.Run("NotFoundError", func(t *testing.T) {
		err := NotFoundError("user")
		if err.Code != CodeNotFound {
			t.Errorf("Code = %s, want %s", err.Code, CodeNotFound)
		}
		if err.Message != "user not found" {
			t.Errorf("Message = %s, want 'user not found'", err.Message)
		}
	})

	t.Run("AlreadyExistsError", func(t *testing.T) {
		err := AlreadyExistsError("store")
		if err.Code != CodeAlreadyExists {
			t.Errorf("Code = %s, want %s", err.Code, CodeAlreadyExists)
		}
	})

	t.Run("InternalError", func(t *testing.T) {
		underlying := errors.New("db error")
		err := InternalError("failed", underlying)
		if err.Code != CodeInternal {
			t.Errorf("Code = %s, want %s", err.Code, CodeInternal)
		}
		if err.Unwrap() != underlying {
			t.Error("Underlying error not preserved")
		}
	})

	domain := []struct {
		name string
		err  *AppError
		code string
	}{
		{"BrokerError", BrokerError("query failed", errors.New("refused")), CodeBroker},
		{"BlobError", BlobError("upload failed", errors.New("eof")), CodeBlob},
		{"SimCoreError", SimCoreError("task failed", errors.New("status -1")), CodeSimCore},
		{"GeoError", GeoError("bad layer", errors.New("no polygons")), CodeGeo},
		{"RenderError", RenderError("template", errors.New("write")), CodeRender},
		{"ReportError", ReportError("sheet", errors.New("locked")), CodeReport},
	}
	for _, tt := range domain {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
			}
			if tt.err.Unwrap() == nil {
				t.Error("Underlying error not preserved")
			}
		})
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("rendering agenda: %w", NotFoundError("agenda"))

	if got := CodeOf(err); got != CodeNotFound {
		t.Errorf("CodeOf() = %q, want %q", got, CodeNotFound)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound(wrapped) = false, want true")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain) should be empty")
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("wrap: %w", ValidationError("agenda is required")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "agenda is required") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	WriteError(rec, errors.New("secret connection string"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("internal error details leaked to client")
	}
}

func TestWriteErrorWithStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		err      error
		wantCode string
		wantMsg  string
	}{
		{"app error keeps its code", http.StatusTooManyRequests, RateLimitedError(3), CodeRateLimited, "rate limit exceeded"},
		{"plain 4xx shows cause", http.StatusNotFound, errors.New("no such map"), CodeNotFound, "no such map"},
		{"plain 400", http.StatusBadRequest, errors.New("bad window"), CodeValidation, "bad window"},
		{"plain 5xx hides cause", http.StatusBadGateway, errors.New("dial tcp 10.0.0.1"), CodeInternal, "an unexpected error occurred"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteErrorWithStatus(rec, tt.status, tt.err)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != tt.wantCode || resp.Message != tt.wantMsg {
				t.Errorf("response = %+v", resp)
			}
		})
	}

	rec := httptest.NewRecorder()
	WriteErrorWithStatus(rec, http.StatusTooManyRequests, RateLimitedError(3))
	if !strings.Contains(rec.Body.String(), `"retry_after":"3"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := NotFoundError("test")
	other := ValidationError("test")

	if !IsNotFound(notFound) {
		t.Error("IsNotFound(NotFoundError) = false, want true")
	}

	if IsNotFound(other) {
		t.Error("IsNotFound(ValidationError) = true, want false")
	}

	if IsNotFound(errors.New("standard error")) {
		t.Error("IsNotFound(standard error) = true, want false")
	}
}

func TestIsValidation(t *testing.T) {
	validation := ValidationError("test")
	other := NotFoundError("test")

	if !IsValidation(validation) {
		t.Error("IsValidation(ValidationError) = false, want true")
	}

	if IsValidation(other) {
		t.Error("IsValidation(NotFoundError) = true, want false")
	}
}
