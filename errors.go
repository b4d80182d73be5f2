package oidcx

import (
	"errors"
	"strings"
)

// ErrorCode represents validator error categories.
type ErrorCode string

const (
	ErrCodeDiscovery       ErrorCode = "discovery_failed"
	ErrCodeInvalidToken    ErrorCode = "invalid_token"
	ErrCodeExpired         ErrorCode = "token_expired"
	ErrCodeNotYetValid     ErrorCode = "token_not_yet_valid"
	ErrCodeInvalidIssuer   ErrorCode = "invalid_issuer"
	ErrCodeInvalidAudience ErrorCode = "invalid_audience"
	ErrCodeUnknownKey      ErrorCode = "unknown_key"
	ErrCodeJWKSUnavailable ErrorCode = "jwks_unavailable"
	ErrCodeMissingSubject  ErrorCode = "missing_subject"
)

// Message is the human readable summary of the code.
func (c ErrorCode) Message() string {
	switch c {
	case ErrCodeDiscovery:
		return "Discovery failed"
	case ErrCodeInvalidToken:
		return "Invalid token"
	case ErrCodeExpired:
		return "Token expired"
	case ErrCodeNotYetValid:
		return "Token not yet valid"
	case ErrCodeInvalidIssuer:
		return "Invalid issuer"
	case ErrCodeInvalidAudience:
		return "Invalid audience"
	case ErrCodeUnknownKey:
		return "Unknown signing key"
	case ErrCodeJWKSUnavailable:
		return "JWKS unavailable"
	case ErrCodeMissingSubject:
		return "Missing subject"
	}
	return string(c)
}

var (
	// ErrDiscovery matches every error raised while resolving the issuer.
	ErrDiscovery = errors.New("oidc discovery error")
	// ErrTokenInvalid matches every token verification failure.
	ErrTokenInvalid = errors.New("token invalid")
)

// Error is a verification or discovery failure. Code is stable and safe to
// log; Err keeps the underlying cause for errors.Is and errors.As.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error renders as "<code>: <message>", followed by the cause when present.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether the error belongs to the target category.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDiscovery:
		return e.Code == ErrCodeDiscovery
	case ErrTokenInvalid:
		return e.Code != ErrCodeDiscovery
	}
	return false
}

// ReasonOf returns the error code carried by err, or "" when err is not an *Error.
func ReasonOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// newError tags cause with code and the code's message.
func newError(code ErrorCode, cause error) error {
	return &Error{Code: code, Message: code.Message(), Err: cause}
}

// InvariantError reports a broken internal guarantee. It is raised with panic.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Reason
}
