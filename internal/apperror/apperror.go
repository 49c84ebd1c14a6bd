package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorises failures the way they are surfaced to users.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindAuthFailure      Kind = "auth_failure"
	KindTransportFailure Kind = "transport_failure"
	KindTimeout          Kind = "timeout"
)

// Error carries a human-readable message alongside the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidInput reports input rejected before any network call.
func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

// AuthFailure reports a rejection by the identity provider.
func AuthFailure(message string, cause error) *Error {
	return &Error{Kind: KindAuthFailure, Message: message, Cause: cause}
}

// Transport reports a network or HTTP failure talking to the gateway.
func Transport(message string, cause error) *Error {
	return &Error{Kind: KindTransportFailure, Message: message, Cause: cause}
}

// Timeout reports that a wall-clock limit elapsed.
func Timeout(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Cause: cause}
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

// HTTPStatus maps err to the status code the web layer responds with.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindTransportFailure:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
