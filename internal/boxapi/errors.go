// Package boxapi provides an HTTP client for the Box content API
// with automatic retry, authorization recovery, and error classification.
package boxapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, boxapi.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("boxapi: bad request")
	ErrUnauthorized = errors.New("boxapi: unauthorized")
	ErrForbidden    = errors.New("boxapi: forbidden")
	ErrNotFound     = errors.New("boxapi: not found")
	ErrConflict     = errors.New("boxapi: conflict")
	ErrThrottled    = errors.New("boxapi: throttled")
	ErrServerError  = errors.New("boxapi: server error")
)

// APIError wraps a sentinel error with the HTTP status code, Box request ID,
// and the parsed API error body for debugging and programmatic inspection.
type APIError struct {
	StatusCode int
	RequestID  string
	Code       string // Box machine-readable error code, e.g. "item_name_in_use"
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	switch {
	case errors.Is(e.Err, ErrUnauthorized):
		return fmt.Sprintf("boxapi: authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
	case errors.Is(e.Err, ErrNotFound):
		return fmt.Sprintf("boxapi: resource not found (HTTP %d): %s", e.StatusCode, e.Message)
	case errors.Is(e.Err, ErrForbidden):
		return fmt.Sprintf("boxapi: permission denied (HTTP %d): %s", e.StatusCode, e.Message)
	case errors.Is(e.Err, ErrConflict):
		return fmt.Sprintf("boxapi: conflict (HTTP %d): %s", e.StatusCode, e.Message)
	}

	if e.RequestID != "" {
		return fmt.Sprintf("boxapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("boxapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorBody mirrors the Box API error JSON shape.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// newAPIError builds an APIError from an error response body.
// The body is parsed as Box error JSON; unparseable bodies are kept raw.
func newAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{
		StatusCode: status,
		Message:    string(raw),
		Err:        classifyStatus(status),
	}

	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Message
		apiErr.RequestID = eb.RequestID
	}

	return apiErr
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
