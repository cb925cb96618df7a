package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the recommendation pipeline. Callers match with errors.Is.
var (
	ErrDimensionMismatch       = errors.New("embedding dimension mismatch")
	ErrTimeout                 = errors.New("upstream timeout")
	ErrUpstream                = errors.New("upstream error")
	ErrParseFailed             = errors.New("llm output parse failed")
	ErrConfigLoadFailed        = errors.New("config load failed")
	ErrMetricComputationFailed = errors.New("metric computation failed")
	ErrNoCandidates            = errors.New("no candidates retrieved")
	ErrNotFound                = errors.New("not found")
)

// IsRetryable reports whether err is a transient upstream failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUpstream)
}

// DimensionMismatchError carries the expected and actual vector sizes.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

// Error implements the error interface
func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrDimensionMismatch) hold.
func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// UpstreamError describes a failed call to the embedding or LLM service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Err        error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s returned status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s call failed: %v", e.Service, e.Err)
}

// Unwrap returns the underlying error
func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches ErrUpstream so IsRetryable works on wrapped upstream errors.
func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// APIError represents a standardized error response on the HTTP and MCP surfaces
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	CodeDimensionMismatch = "DIMENSION_MISMATCH"
	CodeNoCandidates      = "NO_CANDIDATES"
	CodeRulesError        = "RULES_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInternalServer    = "INTERNAL_SERVER_ERROR"
	CodeValidation        = "VALIDATION_ERROR"
)

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// CodeForError maps a pipeline error onto the API error code and HTTP status.
func CodeForError(err error) (string, int) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation, 400
	case errors.Is(err, ErrDimensionMismatch):
		return CodeDimensionMismatch, 500
	case errors.Is(err, ErrNoCandidates):
		return CodeNoCandidates, 422
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, 404
	case errors.Is(err, ErrTimeout):
		return CodeUpstreamTimeout, 504
	case errors.Is(err, ErrUpstream):
		return CodeUpstreamError, 502
	default:
		return CodeInternalServer, 500
	}
}
