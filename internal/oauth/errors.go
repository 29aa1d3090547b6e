package oauth

import (
	"fmt"
)

// ErrorCode is an RFC 6749 error code, or one of the client-side codes
// below for failures detected before or after talking to the provider
type ErrorCode string

const (
	ErrInvalidRequest          ErrorCode = "invalid_request"
	ErrUnauthorizedClient      ErrorCode = "unauthorized_client"
	ErrAccessDenied            ErrorCode = "access_denied"
	ErrUnsupportedResponseType ErrorCode = "unsupported_response_type"
	ErrInvalidScope            ErrorCode = "invalid_scope"
	ErrServerError             ErrorCode = "server_error"
	ErrTemporarilyUnavailable  ErrorCode = "temporarily_unavailable"
	ErrInvalidGrant            ErrorCode = "invalid_grant"
	ErrInvalidClient           ErrorCode = "invalid_client"
	ErrUnsupportedGrantType    ErrorCode = "unsupported_grant_type"

	// Client-side codes
	ErrStateMismatch        ErrorCode = "state_mismatch"
	ErrMissingCode          ErrorCode = "missing_code"
	ErrInvalidTokenResponse ErrorCode = "invalid_token_response"
)

// ProtocolError is an OAuth protocol failure: an error redirect from the
// authorization server, an error response from the token endpoint, a
// state mismatch, or a malformed token response.
type ProtocolError struct {
	Code        ErrorCode `json:"error"`
	Description string    `json:"error_description,omitempty"`
	URI         string    `json:"error_uri,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth: %s: %s", e.Code, e.Description)
	}
	return "oauth: " + string(e.Code)
}

func NewProtocolError(code ErrorCode, description string) *ProtocolError {
	return &ProtocolError{Code: code, Description: description}
}
