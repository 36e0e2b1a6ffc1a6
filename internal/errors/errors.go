// Package errors provides the detector's structured error type.
// Codes follow the failure taxonomy of the detection pipeline so callers can
// decide between "retry next cycle", "skip this item" and "report upstream".
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an AppError.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeNotFound
	CodeUnavailable
	CodeConfigInvalid
	// Frame file missing, truncated or undecodable.
	CodeAcquisition
	// A single reference image could not be loaded.
	CodeReferenceLoad
	// A required ROI had no evidence, or a forbidden signature was present.
	CodeRequiredMiss
	// The capture process exited or could not be spawned.
	CodeProcessExit
	CodeNotification
)

var codeNames = map[Code]string{
	CodeUnknown:         "UNKNOWN",
	CodeInternal:        "INTERNAL",
	CodeInvalidArgument: "INVALID_ARGUMENT",
	CodeNotFound:        "NOT_FOUND",
	CodeUnavailable:     "UNAVAILABLE",
	CodeConfigInvalid:   "CONFIG_INVALID",
	CodeAcquisition:     "ACQUISITION",
	CodeReferenceLoad:   "REFERENCE_LOAD",
	CodeRequiredMiss:    "REQUIRED_MISS",
	CodeProcessExit:     "PROCESS_EXIT",
	CodeNotification:    "NOTIFICATION",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CODE(%d)", int(c))
}

// httpCodeMap maps error codes to HTTP status codes for the control surface.
var httpCodeMap = map[Code]int{
	CodeUnknown:         http.StatusInternalServerError,
	CodeInternal:        http.StatusInternalServerError,
	CodeInvalidArgument: http.StatusBadRequest,
	CodeNotFound:        http.StatusNotFound,
	CodeUnavailable:     http.StatusServiceUnavailable,
	CodeConfigInvalid:   http.StatusInternalServerError,
	CodeAcquisition:     http.StatusServiceUnavailable,
	CodeReferenceLoad:   http.StatusUnprocessableEntity,
	CodeProcessExit:     http.StatusServiceUnavailable,
	CodeNotification:    http.StatusBadGateway,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code.String(), e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// HTTPStatus returns the corresponding HTTP status code.
func (e *AppError) HTTPStatus() int {
	if c, ok := httpCodeMap[e.Code]; ok {
		return c
	}
	return http.StatusInternalServerError
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// HTTPStatus maps any error to an HTTP status code.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsRetryable returns true if the error is potentially retryable within the
// same cycle. A frame caught mid-write surfaces as an acquisition error.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case CodeAcquisition, CodeUnavailable:
		return true
	default:
		return false
	}
}
