package utils

import (
	"errors"
	"net/http"
)

// ErrorKind classifies failures across the intake layer and the task pipeline.
type ErrorKind string

const (
	KindInvalidInput       ErrorKind = "invalid_input"
	KindInternalProcessing ErrorKind = "internal_processing"
	KindNotFound           ErrorKind = "not_found"
	KindDegradedMode       ErrorKind = "degraded_mode"
)

type AppError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func NewBadRequestError(message string) *AppError {
	return &AppError{Kind: KindInvalidInput, StatusCode: http.StatusBadRequest, Message: message}
}

func NewInternalError(message string) *AppError {
	return &AppError{Kind: KindInternalProcessing, StatusCode: http.StatusInternalServerError, Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Kind: KindNotFound, StatusCode: http.StatusNotFound, Message: message}
}

func NewDegradedError(message string) *AppError {
	return &AppError{Kind: KindDegradedMode, StatusCode: http.StatusServiceUnavailable, Message: message}
}

// InvalidInput wraps err as a client-side failure.
func InvalidInput(message string, err error) *AppError {
	e := NewBadRequestError(message)
	e.Err = err
	return e
}

// Internal wraps err as a computation or I/O failure.
func Internal(message string, err error) *AppError {
	e := NewInternalError(message)
	e.Err = err
	return e
}

// KindOf reports the kind of the first AppError in err's chain.
// Errors outside the taxonomy are internal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternalProcessing
}

func IsInvalidInput(err error) bool {
	return err != nil && KindOf(err) == KindInvalidInput
}
