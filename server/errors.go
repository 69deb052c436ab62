package server

import "errors"

// OAuth error codes surfaced at the /authorize and /token boundaries.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidGrant         = "invalid_grant"
	errInvalidToken         = "invalid_token"
	errUnsupportedGrantType = "unsupported_grant_type"
	errServerError          = "server_error"
)

var (
	// ErrInvalidGrant covers unknown, expired, reused, or mismatched
	// authorization codes and failed PKCE verification.
	ErrInvalidGrant = errors.New(errInvalidGrant)

	// ErrInvalidToken covers unknown or expired access tokens.
	ErrInvalidToken = errors.New(errInvalidToken)
)
