package deviceflow

import (
	"errors"
	"fmt"
)

// Terminal outcomes of the device authorization flow
var (
	// ErrInitiation indicates the device-code request failed or returned no device code
	ErrInitiation = errors.New("device flow initiation failed")

	// ErrExpired indicates the device code expired before the user approved it
	ErrExpired = errors.New("device code expired")

	// ErrDenied indicates the user denied the authorization request
	ErrDenied = errors.New("authorization denied")

	// ErrInvalidCode indicates the token endpoint rejected the device code as invalid or stale
	ErrInvalidCode = errors.New("invalid device code")

	// ErrTimeout indicates the polling attempt budget ran out while still pending
	ErrTimeout = errors.New("device flow timed out")
)

// Session store errors
var (
	// ErrSessionNotFound indicates an unknown or expired device code
	ErrSessionNotFound = errors.New("device flow session not found")

	// ErrSessionClaimed indicates another polling sequence already owns the session
	ErrSessionClaimed = errors.New("device flow session already being polled")
)

// RFC 8628 section 3.5 error codes used in HTTP responses
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeServerError          = "server_error"
)

// Error is a terminal device flow failure.
// Kind is one of the sentinel errors above; Code and Description echo the vendor response.
type Error struct {
	Kind        error
	Code        string
	Description string
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%v: %s: %s", e.Kind, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Code)
	case e.Description != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Description)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ErrorCode maps a flow error to its RFC 8628 error code
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrExpired), errors.Is(err, ErrTimeout):
		return ErrorCodeExpiredToken
	case errors.Is(err, ErrDenied):
		return ErrorCodeAccessDenied
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrSessionNotFound):
		return ErrorCodeInvalidGrant
	case errors.Is(err, ErrSessionClaimed):
		return ErrorCodeSlowDown
	}
	return ErrorCodeServerError
}
