package apiclient

import (
	"fmt"
)

// NetworkError reports a transport-level failure (DNS, refused connection,
// TLS, CORS-equivalent proxy rejection) before any HTTP status was received.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidResponseError is returned when a response declares a JSON content
// type but its body cannot be decoded.
type InvalidResponseError struct {
	URL string
	Err error
}

func (e *InvalidResponseError) Error() string {
	return "invalid JSON from server"
}

func (e *InvalidResponseError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// ValidationError reports missing or malformed user input detected before
// a request is issued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
