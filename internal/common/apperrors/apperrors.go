// Package apperrors provides HTTP-status-carrying errors for the API boundary.
// Core components (scheduler, executor, merge engine, reconciler) never
// construct these; only internal/api translates domain errors into them.
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError is an error with an associated HTTP status code.
type AppError struct {
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// BadRequest builds a 400 AppError.
func BadRequest(message string) *AppError {
	return &AppError{HTTPStatus: http.StatusBadRequest, Code: "bad_request", Message: message}
}

// NotFound builds a 404 AppError.
func NotFound(message string) *AppError {
	return &AppError{HTTPStatus: http.StatusNotFound, Code: "not_found", Message: message}
}

// ValidationError builds a 422 AppError scoped to a specific field.
func ValidationError(field, reason string) *AppError {
	return &AppError{
		HTTPStatus: http.StatusUnprocessableEntity,
		Code:       "validation_error",
		Message:    fmt.Sprintf("%s: %s", field, reason),
	}
}

// Wrap builds a 500 AppError around an underlying error.
func Wrap(err error, message string) *AppError {
	return &AppError{HTTPStatus: http.StatusInternalServerError, Code: "internal_error", Message: message, Err: err}
}
