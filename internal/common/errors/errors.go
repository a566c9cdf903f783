// Package errors provides the API-facing error envelope and the mapping
// from domain errors onto HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/JoshuaAFerguson/APEX-sub021/internal/task"
	"github.com/JoshuaAFerguson/APEX-sub021/internal/workflow"
)

// Error codes as constants
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeValidationError   = "VALIDATION_ERROR"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with HTTP context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// FromDomain maps domain errors onto the API envelope: unknown ids are
// 404, validation failures and unknown workflows are 400, state machine
// violations are 409, everything else is 500.
func FromDomain(err error, resource, id string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, task.ErrNotFound) {
		return NotFound(resource, id)
	}

	var validation *task.ValidationError
	if errors.As(err, &validation) {
		return ValidationError(validation.Field, validation.Detail)
	}

	var unknownWf *workflow.UnknownWorkflowError
	if errors.As(err, &unknownWf) {
		return BadRequest(unknownWf.Error())
	}

	var transition *task.IllegalTransitionError
	if errors.As(err, &transition) {
		return &AppError{
			Code:       ErrCodeIllegalTransition,
			Message:    transition.Error(),
			HTTPStatus: http.StatusConflict,
			Err:        err,
		}
	}

	return InternalError("unexpected error", err)
}
