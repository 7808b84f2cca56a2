package errors

import (
	"errors"
	"fmt"
)

// FlowError is a calendar-flow failure with a stable machine code. The code,
// not the description, is what crosses into client-visible responses.
type FlowError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	cause       error
}

func (e *FlowError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *FlowError) Unwrap() error { return e.cause }

// Is matches FlowErrors by code, so wrapped flow errors compare against the
// package sentinels with errors.Is.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Code == e.Code
}

// Stable user-facing error codes.
const (
	CodeMalformedState      = "malformed_state"
	CodeExchangeFailed      = "exchange_failed"
	CodeProviderRejected    = "provider_rejected"
	CodeProviderUnavailable = "provider_unavailable"
	CodeAccessDenied        = "access_denied"
	CodeRevokedGrant        = "revoked_grant"
	CodeDecryptionFailed    = "decryption_failed"
	CodeNotConnected        = "not_connected"
	CodeConfiguration       = "configuration_error"
	CodeServerError         = "server_error"
)

// Sentinels for errors.Is checks across package boundaries.
var (
	ErrMalformedState      = &FlowError{Code: CodeMalformedState, Description: "state parameter is not a valid auth state"}
	ErrCodeExchange        = &FlowError{Code: CodeExchangeFailed, Description: "authorization code was rejected by the provider"}
	ErrProviderRejected    = &FlowError{Code: CodeProviderRejected, Description: "calendar provider rejected the request"}
	ErrProviderUnavailable = &FlowError{Code: CodeProviderUnavailable, Description: "calendar provider is unreachable"}
	ErrAccessDenied        = &FlowError{Code: CodeAccessDenied, Description: "user denied consent"}
	ErrRevokedGrant        = &FlowError{Code: CodeRevokedGrant, Description: "refresh grant has been revoked"}
	ErrDecryptionFailed    = &FlowError{Code: CodeDecryptionFailed, Description: "stored credentials could not be decrypted"}
	ErrNotConnected        = &FlowError{Code: CodeNotConnected, Description: "no calendar connection for user"}
	ErrKeyNotConfigured    = &FlowError{Code: CodeConfiguration, Description: "credential encryption key is not configured"}
)

// New creates a FlowError with the given code and description.
func New(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

// Wrap attaches a cause to a copy of the given flow error. The cause is kept
// for server-side logs and never serialized toward clients.
func Wrap(ferr *FlowError, cause error) *FlowError {
	return &FlowError{Code: ferr.Code, Description: ferr.Description, cause: cause}
}

// CodeOf maps any error onto the stable client-facing code set. Non-flow
// errors collapse to server_error so internals never leak.
func CodeOf(err error) string {
	var ferr *FlowError
	if errors.As(err, &ferr) {
		return ferr.Code
	}
	return CodeServerError
}
