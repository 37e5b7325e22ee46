package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeSignaling, "relay rejected offer", http.StatusBadGateway)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeSignaling, "relay rejected offer", http.StatusBadGateway)
	err.WithContext("status", 500).WithContext("endpoint", "http://relay:8889/doctorStream/whip")

	if err.Context["status"] != 500 {
		t.Errorf("Context[status] = %v, want 500", err.Context["status"])
	}
	if len(err.Context) != 2 {
		t.Errorf("expected 2 context entries, got %d", len(err.Context))
	}
}

func TestConstructors(t *testing.T) {
	cases := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad role"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("station"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("missing token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewConflictError("stream claimed"), ErrCodeConflict, http.StatusConflict},
		{NewRateLimitError(), ErrCodeRateLimit, http.StatusTooManyRequests},
		{NewServiceUnavailableError("redis down"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
		if tc.err.HTTPStatus != tc.status {
			t.Errorf("HTTPStatus = %v, want %v", tc.err.HTTPStatus, tc.status)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewInvalidInputError("test")

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}

	wrapped := fmt.Errorf("handler failed: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Error("GetAppError() should find an AppError wrapped with %w")
	}
	if !IsAppError(wrapped) {
		t.Error("IsAppError() should be true for a wrapped AppError")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
	if GetAppError(nil) != nil {
		t.Error("GetAppError(nil) should return nil")
	}
}
