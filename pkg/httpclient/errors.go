package httpclient

import (
	"errors"
	"fmt"
	"net/http"
)

// RateLimitError reports that a request kept hitting a rate limit until the
// retry budget was exhausted.
type RateLimitError struct {
	StatusCode int
	Attempts   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("HTTP %d: rate limited after %d attempts", e.StatusCode, e.Attempts)
}

// StatusError is a non-2xx, non-retryable provider response.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, string(e.Body))
}

// IsRateLimit reports whether err is an exhausted rate-limit retry.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsAuth reports whether err is an authentication failure (bad or absent key).
func IsAuth(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// IsBadRequest reports whether err is a malformed-request rejection.
func IsBadRequest(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusBadRequest || se.StatusCode == http.StatusUnprocessableEntity
}
