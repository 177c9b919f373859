package service

import (
	"errors"
	"fmt"
)

// Authentication failures all unwrap to ErrAuthenticationFailed so the HTTP
// layer can render them with one generic message.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidCredentials   = fmt.Errorf("%w: invalid credentials", ErrAuthenticationFailed)
	ErrInvalidTOTPCode      = fmt.Errorf("%w: invalid totp code", ErrAuthenticationFailed)
	ErrInvalidRecoveryCode  = fmt.Errorf("%w: invalid recovery code", ErrAuthenticationFailed)
	ErrInvalidPassword      = fmt.Errorf("%w: invalid password", ErrAuthenticationFailed)
)

var (
	ErrAccountLocked     = errors.New("account temporarily locked")
	ErrTwoFactorRequired = errors.New("two-factor code required")

	ErrUnauthenticated    = errors.New("authentication required")
	ErrSessionUserMissing = fmt.Errorf("%w: session user no longer exists", ErrUnauthenticated)
	ErrForbidden          = errors.New("insufficient permissions")
	ErrEmailInUse         = errors.New("email already in use")

	// ErrInternal marks store, session backend or crypto failures. Its
	// wrapped detail is for logs only.
	ErrInternal = errors.New("internal error")
)

// StateConflictError is a request that does not fit the account's current
// 2FA state. Message is safe to show to the client.
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string {
	return e.Message
}

var (
	ErrTOTPAlreadyEnabled  = &StateConflictError{Message: "2FA is already enabled. Disable it first to re-setup."}
	ErrTOTPAlreadyVerified = &StateConflictError{Message: "2FA is already enabled."}
	ErrTOTPSetupRequired   = &StateConflictError{Message: "No 2FA setup in progress. Call /auth/2fa/setup first."}
	ErrTOTPSetupChanged    = &StateConflictError{Message: "2FA setup changed while verifying. Call /auth/2fa/setup again."}
	ErrTOTPNotEnabled      = &StateConflictError{Message: "2FA is not currently enabled."}
)

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
