package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Basic error",
			code:      CodeInvalidInput,
			message:   "Query text is required",
			details:   "The request body did not contain a query",
			requestID: "req-123",
		},
		{
			name:      "Upstream error",
			code:      CodeUpstreamError,
			message:   "LLM call failed",
			details:   "status 503",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.Message != tt.message {
				t.Errorf("Expected message %s, got %s", tt.message, err.Message)
			}
			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("top_k", "must be at least 1", 0)

	if err.Field != "top_k" {
		t.Errorf("Expected field top_k, got %s", err.Field)
	}
	expected := "validation error for field 'top_k': must be at least 1"
	if err.Error() != expected {
		t.Errorf("Expected error string %s, got %s", expected, err.Error())
	}
}

func TestDimensionMismatchError(t *testing.T) {
	err := fmt.Errorf("retrieve: %w", &DimensionMismatchError{Expected: 4, Actual: 3})

	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected wrapped error to match ErrDimensionMismatch")
	}
	if IsRetryable(err) {
		t.Errorf("Dimension mismatch must not be retryable")
	}

	var dm *DimensionMismatchError
	if !errors.As(err, &dm) || dm.Expected != 4 || dm.Actual != 3 {
		t.Errorf("Expected DimensionMismatchError{4,3}, got %v", dm)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", fmt.Errorf("embed: %w", ErrTimeout), true},
		{"upstream sentinel", ErrUpstream, true},
		{"upstream typed", &UpstreamError{Service: "llm", StatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"parse failed", ErrParseFailed, false},
		{"context canceled", context.Canceled, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCodeForError(t *testing.T) {
	tests := []struct {
		err      error
		code     string
		httpCode int
	}{
		{NewValidationError("text", "required", ""), CodeValidation, 400},
		{&DimensionMismatchError{Expected: 3, Actual: 2}, CodeDimensionMismatch, 500},
		{fmt.Errorf("llm: %w", ErrTimeout), CodeUpstreamTimeout, 504},
		{&UpstreamError{Service: "embedding", Err: errors.New("refused")}, CodeUpstreamError, 502},
		{ErrNoCandidates, CodeNoCandidates, 422},
		{errors.New("boom"), CodeInternalServer, 500},
	}

	for _, tt := range tests {
		code, status := CodeForError(tt.err)
		if code != tt.code || status != tt.httpCode {
			t.Errorf("CodeForError(%v) = (%s, %d), want (%s, %d)", tt.err, code, status, tt.code, tt.httpCode)
		}
	}
}
