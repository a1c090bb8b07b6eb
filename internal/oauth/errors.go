package oauth

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Canonical OAuth error codes (RFC 6749 §5.2 plus registration and
// gateway-specific codes).
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidClient         = "invalid_client"
	CodeInvalidGrant          = "invalid_grant"
	CodeInvalidScope          = "invalid_scope"
	CodeAccessDenied          = "access_denied"
	CodeUnauthorizedClient    = "unauthorized_client"
	CodeUnsupportedGrantType  = "unsupported_grant_type"
	CodeInvalidClientMetadata = "invalid_client_metadata"
	CodeRateLimited           = "rate_limited"
	CodeServerError           = "server_error"
)

// Error is an OAuth protocol error carrying the canonical wire code.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError builds an OAuth protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// AsOAuthError extracts the protocol error from err, mapping anything
// unrecognized to server_error so internals never leak onto the wire.
func AsOAuthError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return NewError(CodeServerError, "internal error")
}
