package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAuth marks an expired or revoked credential. Never retried by
	// the engine; the caller prompts re-authorization.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited marks a 429. Retried with backoff.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response from a platform API. Unwrap maps the
// status onto the sentinel errors so callers classify with errors.Is.
type APIError struct {
	Platform string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error: status %d: %s", e.Platform, e.Status, e.Message)
	}
	return fmt.Sprintf("%s API error: status %d", e.Platform, e.Status)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 401 || e.Status == 403:
		return ErrAuth
	case e.Status == 429:
		return ErrRateLimited
	}
	return nil
}

// IsAuth reports whether err is an authentication failure. Auth failures
// are excluded from the transient retry budget.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsTransient reports whether err is worth retrying: rate limits, 5xx,
// timeouts and network errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsAuth(err) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
