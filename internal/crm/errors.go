package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrPageCapExceeded aborts runaway pagination; the caller marks the run
// failed instead of looping.
var ErrPageCapExceeded = errors.New("crm: page cap exceeded")

// APIError is a non-2xx response from the CRM. 429 and 5xx are transient
// and retried with backoff; other 4xx are permanent and recorded as-is.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm: http %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the error is worth retrying.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err is a retryable CRM failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return false
}

// IsPermanent reports whether err is a CRM rejection that retrying cannot
// fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Transient()
	}
	return false
}

// PayloadError marks one malformed record inside an otherwise good
// response. The record is skipped; the run continues.
type PayloadError struct {
	ID    string
	Cause error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("crm: malformed record %s: %v", e.ID, e.Cause)
}

func (e *PayloadError) Unwrap() error {
	return e.Cause
}
