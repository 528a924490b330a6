package errors

import (
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrTypeResolution represents a failure to resolve a track reference to a source URL
	ErrTypeResolution ErrorType = "resolution"
	// ErrTypeFetch represents a failure of the external fetch tool
	ErrTypeFetch ErrorType = "fetch"
	// ErrTypeAuth represents authentication errors from the remote catalog
	ErrTypeAuth ErrorType = "auth"
	// ErrTypeNetwork represents network-related errors
	ErrTypeNetwork ErrorType = "network"
	// ErrTypeConflict represents filesystem conflicts (target path occupied)
	ErrTypeConflict ErrorType = "conflict"
	// ErrTypeCache represents cache store corruption or persistence errors
	ErrTypeCache ErrorType = "cache"
	// ErrTypeFileSystem represents file system errors
	ErrTypeFileSystem ErrorType = "filesystem"
	// ErrTypeCancelled represents operations halted by the cancellation signal
	ErrTypeCancelled ErrorType = "cancelled"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeUnknown represents unknown errors
	ErrTypeUnknown ErrorType = "unknown"
)

// AppError represents an engine error with context
type AppError struct {
	Type      ErrorType
	Message   string
	Retryable bool
	// Fatal marks errors that abort the whole batch (auth failures) rather
	// than a single item.
	Fatal bool
	Cause error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewResolutionError creates a new resolution error for an unresolved query
func NewResolutionError(query string) *AppError {
	return &AppError{
		Type:      ErrTypeResolution,
		Message:   fmt.Sprintf("no source found for %q", query),
		Retryable: false,
	}
}

// NewFetchError creates a new fetch tool error
func NewFetchError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeFetch,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewAuthError creates a new authentication error. Auth errors are fatal to
// the whole batch: no item can resolve without catalog access.
func NewAuthError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeAuth,
		Message:   message,
		Retryable: false,
		Fatal:     true,
		Cause:     cause,
	}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeNetwork,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewConflictError creates a new filesystem conflict error
func NewConflictError(path string) *AppError {
	return &AppError{
		Type:      ErrTypeConflict,
		Message:   fmt.Sprintf("target already exists: %s", path),
		Retryable: false,
	}
}

// NewCacheError creates a new cache persistence error
func NewCacheError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeCache,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewFileSystemError creates a new file system error
func NewFileSystemError(message string, cause error) *AppError {
	return &AppError{
		Type:      ErrTypeFileSystem,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// NewCancelledError creates a new cancellation error
func NewCancelledError(operation string) *AppError {
	return &AppError{
		Type:      ErrTypeCancelled,
		Message:   fmt.Sprintf("%s cancelled", operation),
		Retryable: false,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:      ErrTypeValidation,
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Retryable
	}
	return false
}

// IsFatal checks if an error aborts the whole batch
func IsFatal(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Fatal
	}
	return false
}

// GetErrorType returns the error type from an error
func GetErrorType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrTypeUnknown
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	return GetErrorType(err) == ErrTypeAuth
}

// IsResolutionError checks if an error is a resolution error
func IsResolutionError(err error) bool {
	return GetErrorType(err) == ErrTypeResolution
}

// IsConflictError checks if an error is a filesystem conflict
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrTypeConflict
}

// IsNetworkError checks if an error is a network error
func IsNetworkError(err error) bool {
	return GetErrorType(err) == ErrTypeNetwork
}
