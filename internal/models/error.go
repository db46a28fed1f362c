package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// ErrStateChanged is returned by stores when a conditional update matched
	// no rows because a concurrent request moved the record first.
	ErrStateChanged = errors.New("record state changed concurrently")

	// ErrIdentityRejected is returned by an identity provider that refuses
	// to mint tokens for the user.
	ErrIdentityRejected = errors.New("identity provider rejected user")
)

// ErrorKind is the machine-readable outcome code returned to callers.
type ErrorKind string

const (
	KindInvalidRequest        ErrorKind = "INVALID_REQUEST"
	KindInvalidCodeFormat     ErrorKind = "INVALID_CODE_FORMAT"
	KindInvalidSession        ErrorKind = "INVALID_SESSION"
	KindSessionExpired        ErrorKind = "SESSION_EXPIRED"
	KindAccountLocked         ErrorKind = "ACCOUNT_LOCKED"
	KindInvalidCode           ErrorKind = "INVALID_CODE"
	KindNoBackupCodes         ErrorKind = "NO_BACKUP_CODES"
	KindConfigError           ErrorKind = "CONFIG_ERROR"
	KindDecryptionFailed      ErrorKind = "DECRYPTION_FAILED"
	KindAuthenticationFailed  ErrorKind = "AUTHENTICATION_FAILED"
	KindSessionCreationFailed ErrorKind = "SESSION_CREATION_FAILED"
	KindInternalError         ErrorKind = "INTERNAL_ERROR"
)

// IsSystemFault reports whether the kind is caused by the system rather than
// by user input. System faults never count against the failed-attempt budget.
func (k ErrorKind) IsSystemFault() bool {
	switch k {
	case KindConfigError, KindDecryptionFailed, KindAuthenticationFailed,
		KindSessionCreationFailed, KindInternalError:
		return true
	}
	return false
}

// VerificationError is the typed failure outcome of a verification attempt.
type VerificationError struct {
	Kind ErrorKind

	// RemainingAttempts is set for INVALID_CODE and for the ACCOUNT_LOCKED
	// response that caused the lock.
	RemainingAttempts *int

	// RetryAfterSeconds is set for ACCOUNT_LOCKED.
	RetryAfterSeconds *int

	// Verified is true when the factor was accepted but a later step failed
	// (token handoff). The caller may retry without presenting a new code.
	Verified bool

	Err error
}

// NewVerificationError creates a VerificationError of the given kind wrapping err.
func NewVerificationError(kind ErrorKind, err error) *VerificationError {
	return &VerificationError{Kind: kind, Err: err}
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Is matches another *VerificationError of the same kind, so callers can write
// errors.Is(err, &models.VerificationError{Kind: models.KindAccountLocked}).
func (e *VerificationError) Is(target error) bool {
	t, ok := target.(*VerificationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithRemainingAttempts sets the remaining attempts hint.
func (e *VerificationError) WithRemainingAttempts(n int) *VerificationError {
	if n < 0 {
		n = 0
	}
	e.RemainingAttempts = &n
	return e
}

// WithRetryAfter sets the lockout hint in seconds.
func (e *VerificationError) WithRetryAfter(seconds int) *VerificationError {
	e.RetryAfterSeconds = &seconds
	return e
}

// KindOf extracts the ErrorKind of err. Errors that are not a
// *VerificationError are reported as INTERNAL_ERROR.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternalError
}
