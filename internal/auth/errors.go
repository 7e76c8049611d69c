package auth

import (
	"errors"
	"fmt"

	"github.com/krishisetu/krishisetu/pkg/client"
)

// Kind classifies an authentication failure by how the caller must react.
type Kind int

const (
	// KindValidation is a local input error caught before any gateway call.
	KindValidation Kind = iota + 1
	// KindGateway is a failure reported by or on the way to the gateway.
	KindGateway
	// KindVerificationPending means the account exists but its contact
	// channel is not confirmed yet.
	KindVerificationPending
	// KindState is an operation that does not fit the current local state.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGateway:
		return "gateway"
	case KindVerificationPending:
		return "verification_pending"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the authenticators. Code is stable and
// meant for picking a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so the package-level values below can be
// used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Validation errors.
var (
	ErrMissingCredentials  = &Error{Kind: KindValidation, Code: "missing_credentials", Message: "email and password are required"}
	ErrMalformedEmail      = &Error{Kind: KindValidation, Code: "malformed_email", Message: "please enter a valid email address"}
	ErrPasswordTooShort    = &Error{Kind: KindValidation, Code: "password_too_short", Message: "password must be at least 6 characters"}
	ErrPasswordsDoNotMatch = &Error{Kind: KindValidation, Code: "passwords_do_not_match", Message: "passwords do not match"}
	ErrMalformedPhone      = &Error{Kind: KindValidation, Code: "malformed_phone", Message: "please enter a valid 10-digit phone number"}
	ErrMalformedCode       = &Error{Kind: KindValidation, Code: "malformed_code", Message: "please enter the 6-digit code"}
)

// Gateway errors.
var (
	ErrInvalidCredentials = &Error{Kind: KindGateway, Code: "invalid_credentials", Message: "invalid email or password"}
	ErrAccountExists      = &Error{Kind: KindGateway, Code: "account_exists", Message: "an account with this email already exists"}
	ErrInvalidCode        = &Error{Kind: KindGateway, Code: "invalid_code", Message: "invalid or incorrect code"}
	ErrCodeExpired        = &Error{Kind: KindGateway, Code: "code_expired", Message: "the code has expired, request a new one"}
	ErrRateLimited        = &Error{Kind: KindGateway, Code: "rate_limited", Message: "too many attempts, try again later"}
	ErrGateway            = &Error{Kind: KindGateway, Code: "gateway_error", Message: "could not reach the sign-in service"}
)

// ErrVerificationPending is returned by a sign-in that succeeded against an
// account whose contact channel is unconfirmed.
var ErrVerificationPending = &Error{Kind: KindVerificationPending, Code: "verification_pending", Message: "check your email to confirm your account"}

// ErrNoActiveChallenge is returned by code verification with no live
// challenge, or against a challenge that has been replaced.
var ErrNoActiveChallenge = &Error{Kind: KindState, Code: "no_active_challenge", Message: "no code has been requested for this number"}

// KindOf classifies err. Errors that are not *Error are treated as gateway
// failures; nil has kind 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGateway
}

// gatewayError maps a gateway client failure onto the taxonomy, keeping the
// original error as the cause.
func gatewayError(err error) error {
	var base *Error
	switch {
	case errors.Is(err, client.ErrInvalidCredentials):
		base = ErrInvalidCredentials
	case errors.Is(err, client.ErrConflict):
		base = ErrAccountExists
	case errors.Is(err, client.ErrInvalidCode):
		base = ErrInvalidCode
	case errors.Is(err, client.ErrCodeExpired):
		base = ErrCodeExpired
	case errors.Is(err, client.ErrRateLimited):
		base = ErrRateLimited
	default:
		base = ErrGateway
	}
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: err}
}
