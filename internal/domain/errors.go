package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session bridge failures.
type ErrorKind string

const (
	KindNoActiveSession       ErrorKind = "no_active_session"
	KindTransitionExpired     ErrorKind = "transition_expired"
	KindTransitionMissing     ErrorKind = "transition_missing"
	KindAppAuthFailed         ErrorKind = "app_auth_failed"
	KindUserTokenInvalid      ErrorKind = "user_token_invalid"
	KindNetworkError          ErrorKind = "network_error"
	KindAppCredentialRejected ErrorKind = "app_credential_rejected"
)

var (
	// ErrNoActiveSession is returned when a hand-off has nothing to carry.
	ErrNoActiveSession = &Error{Kind: KindNoActiveSession, Message: "no active session"}
	// ErrTransitionExpired marks a hand-off artifact older than its TTL.
	ErrTransitionExpired = &Error{Kind: KindTransitionExpired, Message: "transition expired"}
	// ErrTransitionMissing marks an absent or unreadable hand-off artifact.
	ErrTransitionMissing = &Error{Kind: KindTransitionMissing, Message: "transition missing"}
	// ErrAppAuthFailed is returned once the app credential budget is spent.
	ErrAppAuthFailed = &Error{Kind: KindAppAuthFailed, Message: "application authentication failed"}
	// ErrUserTokenInvalid means the backend explicitly rejected the user token.
	ErrUserTokenInvalid = &Error{Kind: KindUserTokenInvalid, Message: "user token rejected"}
	// ErrNetwork is a transport level failure.
	ErrNetwork = &Error{Kind: KindNetworkError, Message: "network error"}
	// ErrAppCredentialRejected means the backend refused the app token on a downstream call.
	ErrAppCredentialRejected = &Error{Kind: KindAppCredentialRejected, Message: "application credential rejected"}
)

// Error is a typed session bridge failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a typed error of kind wrapping cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind of err, or "" when err is not typed.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
