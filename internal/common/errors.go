package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")

	// ErrMalformedRecord marks an input record that could not be decoded
	// into an item. Whether it halts the run is policy-controlled.
	ErrMalformedRecord = errors.New("malformed input record")

	// ErrDecisionRejected marks a submitted decision that does not match
	// the currently pending item or its review stage. Nothing is mutated.
	ErrDecisionRejected = errors.New("decision rejected")

	// ErrHalted is returned by control operations after a run stopped on
	// a fatal error; the checkpoint keeps the resume point.
	ErrHalted = errors.New("processing halted")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
