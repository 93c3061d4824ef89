package marketplace

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoCredentials is returned by the token store when no session exists.
	ErrNoCredentials = errors.New("no credentials stored")

	// ErrNoRefreshToken means a renewal was requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrSessionExpired marks an authorization failure reported by the API.
	ErrSessionExpired = errors.New("session expired")
)

// HTTPError is a non-2xx API response. It is surfaced to the caller untouched.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, truncateBody(e.Body))
}

// Unwrap lets errors.Is(err, ErrSessionExpired) match a 401.
func (e *HTTPError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrSessionExpired
	}
	return nil
}

// RefreshError is a rejected renewal call.
type RefreshError struct {
	StatusCode int
	Body       []byte
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, truncateBody(e.Body))
}

// IsSessionExpired reports whether err is an authorization failure.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
