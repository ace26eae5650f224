package taskauth

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for transport mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthorized        Kind = "unauthorized"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Error codes carried by Error.Code. These are stable and part of the wire
// contract ("error" field of JSON error bodies).
const (
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidCredentials  = "invalid_credentials"
	CodeUsernameTaken       = "username_taken"
	CodeEmailTaken          = "email_taken"
	CodeCredentialConflict  = "credential_conflict"
	CodeMissingEmail        = "missing_email"
	CodeUnsupportedProvider = "unsupported_provider"
	CodeTokenExchangeFailed = "token_exchange_failed"
	CodeProfileFetchFailed  = "profile_fetch_failed"
	CodeProviderUnreachable = "provider_unreachable"
	CodeTokenExpired        = "token_expired"
	CodeTokenMalformed      = "token_malformed"
	CodeTokenBadSignature   = "token_bad_signature"
	CodeUserNotFound        = "user_not_found"
	CodeInternal            = "server_error"
)

// Error is the typed error returned by every operation in this module.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error.
func NewError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// ValidationError reports a malformed or incomplete request.
func ValidationError(message string) *Error {
	return NewError(KindValidation, CodeInvalidRequest, message, nil)
}

// UnauthorizedError reports a failed authentication.
func UnauthorizedError(code, message string, cause error) *Error {
	return NewError(KindUnauthorized, code, message, cause)
}

// ConflictError reports a uniqueness violation.
func ConflictError(code, message string, cause error) *Error {
	return NewError(KindConflict, code, message, cause)
}

// GatewayError reports a failed interaction with an identity provider.
func GatewayError(code, message string, cause error) *Error {
	return NewError(KindUpstreamUnavailable, code, message, cause)
}

// InternalError wraps an unexpected failure. Its message is never shown to
// callers.
func InternalError(message string, cause error) *Error {
	return NewError(KindInternal, CodeInternal, message, cause)
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// HasCode reports whether err carries an *Error with the given code.
func HasCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// StatusCode maps err to an HTTP status.
//
// Upstream failures where the provider answered but rejected the request
// (bad code, unsupported provider, profile refused) are the caller's fault and
// map to 400. Only an unreachable provider maps to 502.
func StatusCode(err error) int {
	e, ok := AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		if e.Code == CodeProviderUnreachable {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
