package pagefeed

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrRetryLimitExceeded is the terminal error returned once every retry
// attempt for a page has failed.
var ErrRetryLimitExceeded = errors.New("retry limit exceeded")

// NetworkError wraps a transport-level failure (connectivity, DNS, timeout).
// Always retryable.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx HTTP response from the upstream service. The
// response headers are kept because the service reports failure reasons in
// an x-status-reason header.
type ServiceError struct {
	URL        string
	Status     int
	StatusText string
	Headers    http.Header
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.StatusText)
}

// Reason returns the service's x-status-reason header, or "[n/a]" when the
// response carried none.
func (e *ServiceError) Reason() string {
	if e.Headers != nil {
		if reason := e.Headers.Get("x-status-reason"); reason != "" {
			return reason
		}
	}
	return "[n/a]"
}

// ParseError indicates a response body that was not valid JSON. The API has
// been observed to return malformed bodies transiently, so callers retry
// these on the same budget as network faults.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("response json parse error for %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TokenAcquisitionError is a fatal failure to obtain an access token, either
// because the token endpoint rejected the request or because it returned a
// malformed token. The fetch layer never retries these itself.
type TokenAcquisitionError struct {
	Endpoint string
	Status   int
	Message  string
	Err      error
}

func (e *TokenAcquisitionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token acquisition failed (code %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("token acquisition failed: %s", e.Message)
}

func (e *TokenAcquisitionError) Unwrap() error { return e.Err }
