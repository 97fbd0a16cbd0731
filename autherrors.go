package weblogin

import (
	"errors"
	"fmt"
	"net/url"
)

// Sentinel causes for authentication failures. Wrap them in an AuthError so
// callers can both errors.Is against the cause and recover diagnostic data.
var (
	// ErrDiscoveryContract means the discovery service broke its contract:
	// the login entry point landed on an unexpected domain, or a discovery
	// record was missing a required field.
	ErrDiscoveryContract = errors.New("discovery service contract violation")

	// ErrNoMatch means no identity provider matched the given institution.
	ErrNoMatch = errors.New("no matching institution found")

	// ErrBadCredentials means the identity provider rejected the login.
	ErrBadCredentials = errors.New("identity provider rejected credentials")

	// ErrNoForm means a login form was expected in the page but none was found.
	ErrNoForm = errors.New("no form found in page")

	// ErrLoopDetected means the form walk revisited a URL whose form exposed
	// the same field names as before, so the flow cannot converge.
	ErrLoopDetected = errors.New("login flow did not converge")
)

// AuthError is the single error type raised by login handlers. Cause is one
// of the sentinel errors above; Data carries diagnostic payload, notably the
// last submitted form values when a loop is detected.
type AuthError struct {
	Cause   error
	Message string
	Data    url.Values
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed: %v", e.Cause)
	}
	return fmt.Sprintf("authentication failed: %v: %s", e.Cause, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NewAuthError wraps cause with a formatted message.
func NewAuthError(cause error, format string, args ...any) *AuthError {
	return &AuthError{
		Cause:   cause,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewLoopError reports a non-converging form walk. The submitted payload is
// attached so a caller can see which field names the remote form expects.
func NewLoopError(pageURL string, submitted url.Values) *AuthError {
	return &AuthError{
		Cause:   ErrLoopDetected,
		Message: fmt.Sprintf("form at %s keeps reappearing with the same fields", pageURL),
		Data:    submitted,
	}
}
