package crawler

import (
	"errors"
	"fmt"
)

// Failure flags recorded on failed runs
const (
	FlagTimeout      = "timeout"
	FlagNetworkError = "network_error"
	FlagHTTPError    = "http_error"
	FlagFetchError   = "fetch_error"
)

// TimeoutError means the check deadline passed before a page was fetched
type TimeoutError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out fetching %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransientNetworkError is a retryable failure of a single attempt
type TransientNetworkError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Attempts   int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-retryable non-2xx response
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// ContentTypeError is a 2xx response whose body is not an HTML page
type ContentTypeError struct {
	URL         string
	ContentType string
	Err         error
}

func (e *ContentTypeError) Error() string {
	return fmt.Sprintf("cannot parse %s: %v", e.URL, e.Err)
}

func (e *ContentTypeError) Unwrap() error { return e.Err }

// FailureFlag maps a fetch error to the flag stored on the failed run
func FailureFlag(err error) string {
	var timeoutErr *TimeoutError
	var transientErr *TransientNetworkError
	var statusErr *HTTPStatusError
	var typeErr *ContentTypeError

	switch {
	case errors.As(err, &timeoutErr):
		return FlagTimeout
	case errors.As(err, &transientErr):
		if transientErr.Timeout {
			return FlagTimeout
		}
		if transientErr.StatusCode != 0 {
			return FlagHTTPError
		}
		return FlagNetworkError
	case errors.As(err, &statusErr):
		return FlagHTTPError
	case errors.As(err, &typeErr):
		return FlagFetchError
	default:
		return FlagFetchError
	}
}
