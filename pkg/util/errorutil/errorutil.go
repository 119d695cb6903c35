package errorutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes surfaced by the engine and the HTTP layer.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeCapacityExceeded  = "CAPACITY_EXCEEDED"
	CodeNoneAvailable     = "NONE_AVAILABLE"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeTimeout           = "TIMEOUT"
	CodeValidation        = "VALIDATION_FAILED"
	CodeInternal          = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Retryable  bool
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches two DomainErrors by code so errors.Is works against the
// package-level sentinels below.
func (e *DomainError) Is(target error) bool {
	var other *DomainError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound          = &DomainError{Code: CodeNotFound}
	ErrConflict          = &DomainError{Code: CodeConflict}
	ErrCapacityExceeded  = &DomainError{Code: CodeCapacityExceeded}
	ErrNoneAvailable     = &DomainError{Code: CodeNoneAvailable}
	ErrInvalidTransition = &DomainError{Code: CodeInvalidTransition}
	ErrTimeout           = &DomainError{Code: CodeTimeout}
)

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

func NewCapacityExceeded(agentID string) error {
	return NewDomainError(CodeCapacityExceeded, "agent at capacity", http.StatusConflict,
		map[string]any{"agent_id": agentID})
}

func NewNoneAvailable(details map[string]any) error {
	return NewDomainError(CodeNoneAvailable, "no agent available", http.StatusConflict, details)
}

func NewInvalidTransition(message string, details map[string]any) error {
	return NewDomainError(CodeInvalidTransition, message, http.StatusUnprocessableEntity, details)
}

// NewTimeout wraps err as a retryable timeout.
func NewTimeout(op string, err error) error {
	return &DomainError{
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("%s timed out", op),
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]any{"operation": op},
		Retryable:  true,
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsCode reports whether err is a DomainError carrying code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// IsRetryable reports whether the engine may retry the failed call.
func IsRetryable(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	return false
}

// FromContext maps a context failure on a store or registry call to a Timeout.
func FromContext(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(op, err)
	}
	return err
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus != 0 && domainErr.Message != "" {
			return domainErr
		}
		filled := *domainErr
		if filled.HTTPStatus == 0 {
			filled.HTTPStatus = http.StatusInternalServerError
		}
		if filled.Message == "" {
			filled.Message = filled.Code
		}
		return &filled
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if de, ok := NewTimeout("request", err).(*DomainError); ok {
			return de
		}
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
