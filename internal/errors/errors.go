// Package errors provides coded application errors shared across components.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a failure class in logs and API responses.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrCrypto    ErrorCode = "CRYPTO_FAILED"

	// Network errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrOffline            ErrorCode = "OFFLINE"

	// Interceptor errors
	ErrBodyParse ErrorCode = "BODY_PARSE_FAILED"

	// Pending-write store errors
	ErrStore        ErrorCode = "STORE_FAILED"
	ErrStoreMissing ErrorCode = "STORE_MISSING"

	// Replay errors
	ErrSyncRegistration ErrorCode = "SYNC_REGISTRATION_FAILED"
	ErrReplayFailed     ErrorCode = "REPLAY_FAILED"
	ErrReplayTimeout    ErrorCode = "REPLAY_TIMEOUT"

	// Cache errors
	ErrInstall  ErrorCode = "INSTALL_FAILED"
	ErrActivate ErrorCode = "ACTIVATE_FAILED"
	ErrCache    ErrorCode = "CACHE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
