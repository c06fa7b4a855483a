package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode string

// Error codes for the delegation engine
const (
	// Generic errors
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Request errors
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeScope             ErrorCode = "SCOPE_ERROR"
	ErrCodePKCE              ErrorCode = "PKCE_VALIDATION_ERROR"
	ErrCodeInvalidState      ErrorCode = "INVALID_STATE_ERROR"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND_ERROR"
	ErrCodeInsufficientScope ErrorCode = "INSUFFICIENT_SCOPE"

	// Token errors
	ErrCodeMalformedToken   ErrorCode = "MALFORMED_TOKEN"
	ErrCodeBadSignature     ErrorCode = "BAD_SIGNATURE"
	ErrCodeExpiredToken     ErrorCode = "EXPIRED_TOKEN_ERROR"
	ErrCodeRevokedToken     ErrorCode = "REVOKED_TOKEN_ERROR"
	ErrCodeAudienceMismatch ErrorCode = "AUDIENCE_MISMATCH"
)

// Error represents a structured error with code, message, and optional details
type Error struct {
	Code    ErrorCode              // Unique error code
	Message string                 // Human-readable error message
	Details map[string]interface{} // Optional additional details, never rendered to callers
	Err     error                  // Wrapped underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *Error) HTTPStatusCode() int {
	return MapErrorCodeToHTTPStatus(e.Code)
}

// WireCode returns the stable machine-readable code sent to callers
func (e *Error) WireCode() string {
	return MapErrorCodeToWireCode(e.Code)
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with code and message
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
// Returns ErrCodeInternal if the error is not a structured Error
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// As is a passthrough to the standard library errors.As
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a passthrough to the standard library errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsTokenError reports whether err is one of the token validation failures
func IsTokenError(err error) bool {
	switch GetCode(err) {
	case ErrCodeMalformedToken, ErrCodeBadSignature, ErrCodeExpiredToken,
		ErrCodeRevokedToken, ErrCodeAudienceMismatch:
		return true
	}
	return false
}

// MapErrorCodeToHTTPStatus maps error codes to HTTP status codes
func MapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	// 400 Bad Request
	case ErrCodeValidation, ErrCodeScope, ErrCodePKCE:
		return http.StatusBadRequest

	// 401 Unauthorized
	case ErrCodeMalformedToken, ErrCodeBadSignature, ErrCodeExpiredToken,
		ErrCodeRevokedToken, ErrCodeAudienceMismatch:
		return http.StatusUnauthorized

	// 403 Forbidden
	case ErrCodeInsufficientScope:
		return http.StatusForbidden

	// 404 Not Found
	case ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case ErrCodeInvalidState:
		return http.StatusConflict

	// 429 Too Many Requests
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	// 500 Internal Server Error (default)
	case ErrCodeInternal:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// MapErrorCodeToWireCode maps error codes to the error strings returned in
// REST responses and WWW-Authenticate headers
func MapErrorCodeToWireCode(code ErrorCode) string {
	switch code {
	case ErrCodeValidation:
		return "invalid_request"
	case ErrCodeScope:
		return "invalid_scope"
	case ErrCodePKCE:
		return "invalid_grant"
	case ErrCodeInvalidState:
		return "invalid_state"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeInsufficientScope:
		return "insufficient_scope"
	case ErrCodeMalformedToken, ErrCodeBadSignature, ErrCodeAudienceMismatch:
		return "invalid_token"
	case ErrCodeExpiredToken:
		return "expired_token"
	case ErrCodeRevokedToken:
		return "revoked_token"
	case ErrCodeRateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return "server_error"
	}
}

// Common error constructors for the delegation taxonomy

// Validation creates a ValidationError
func Validation(field, reason string) *Error {
	return New(ErrCodeValidation, fmt.Sprintf("invalid %s: %s", field, reason))
}

// Scope creates a ScopeError
func Scope(message string) *Error {
	return New(ErrCodeScope, message)
}

// PKCE creates a PKCEValidationError. The message is deliberately uniform.
func PKCE() *Error {
	return New(ErrCodePKCE, "code verifier validation failed")
}

// InvalidState creates an InvalidStateError
func InvalidState(format string, args ...interface{}) *Error {
	return Newf(ErrCodeInvalidState, format, args...)
}

// NotFound creates a NotFoundError
func NotFound(resourceType, identifier string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resourceType, identifier)
}

// InsufficientScope creates a 403 scope error for the resource gate
func InsufficientScope(required string) *Error {
	return Newf(ErrCodeInsufficientScope, "token lacks required scope: %s", required)
}

// Internal creates an "internal error"
func Internal(message string) *Error {
	return New(ErrCodeInternal, message)
}

// InternalWrap wraps an internal error
func InternalWrap(err error, message string) *Error {
	return Wrap(err, ErrCodeInternal, message)
}

// RateLimitExceeded creates a "rate limit exceeded" error
func RateLimitExceeded(retryAfter string) *Error {
	err := New(ErrCodeRateLimitExceeded, "rate limit exceeded")
	if retryAfter != "" {
		err.WithDetail("retry_after", retryAfter)
	}
	return err
}
