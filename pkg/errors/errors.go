package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches diagnostic context to the error and returns it
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or "" if none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an AppError with the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// Error codes
const (
	// Extraction
	ErrCodeNoJSONBoundary = "NO_JSON_BOUNDARY_FOUND"
	ErrCodeUnrecoverable  = "UNRECOVERABLE_MALFORMED_OUTPUT"
	ErrCodeEmptyOrUnsafe  = "EMPTY_OR_UNSAFE_MAPPING"
	ErrCodeUnsafePath     = "UNSAFE_PATH"

	// Project store
	ErrCodeMaterialization  = "MATERIALIZATION_FAILED"
	ErrCodePackaging        = "PACKAGING_FAILED"
	ErrCodeProjectNotFound  = "PROJECT_NOT_FOUND"
	ErrCodeProjectCollision = "PROJECT_ID_COLLISION"

	// Requests
	ErrCodeMissingField = "MISSING_REQUIRED_FIELD"
	ErrCodeInvalidInput = "INVALID_INPUT"

	// Sessions
	ErrCodeSessionGet      = "SESSION_GET_FAILED"
	ErrCodeSessionAppend   = "SESSION_APPEND_FAILED"
	ErrCodeSessionDelete   = "SESSION_DELETE_FAILED"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeAuthFailed      = "AUTH_FAILED"

	// Model and configuration
	ErrCodeModelConfig = "MODEL_CONFIG_INVALID"
	ErrCodeModelCall   = "MODEL_CALL_FAILED"
	ErrCodeConfig      = "CONFIG_INVALID"
)
