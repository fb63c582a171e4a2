package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrAuthFailed         ErrorType = "AUTH_FAILED"
	ErrForbidden          ErrorType = "FORBIDDEN"
	ErrRateLimited        ErrorType = "RATE_LIMITED"
	ErrInvalidRequest     ErrorType = "INVALID_REQUEST"
	ErrNotFound           ErrorType = "NOT_FOUND"
	ErrServiceUnavailable ErrorType = "SERVICE_UNAVAILABLE"
	ErrUpstreamTimeout    ErrorType = "UPSTREAM_TIMEOUT"
	ErrUpstream           ErrorType = "UPSTREAM_ERROR"
	ErrInternal           ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`

	// RetryAfterSeconds is set for RATE_LIMITED so the middleware can
	// emit a Retry-After header.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func NewAuthFailed(msg string) *AppError {
	return New(ErrAuthFailed, msg, nil)
}

func NewForbidden(msg string) *AppError {
	return New(ErrForbidden, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func NewServiceUnavailable(msg string) *AppError {
	return New(ErrServiceUnavailable, msg, nil)
}

func NewRateLimited(msg string, retryAfterSeconds int) *AppError {
	err := New(ErrRateLimited, msg, nil)
	err.RetryAfterSeconds = retryAfterSeconds
	return err
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrAuthFailed:
		return "Check the API key or token in the Authorization header."
	case ErrForbidden:
		return "Upgrade the subscription tier or request the missing permission."
	case ErrRateLimited:
		return "Back off until the window resets, see Retry-After."
	case ErrServiceUnavailable:
		return "All required analysis services are down, retry later."
	case ErrUpstreamTimeout:
		return "The downstream service is slow, retry or queue the analysis."
	default:
		return ""
	}
}
