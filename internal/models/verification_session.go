package models

import (
	"math"
	"time"
)

// VerificationSession is the in-progress second-factor step of a login.
// It is created by the first-factor login step and mutated only by the
// verification engine.
type VerificationSession struct {
	ID                  string
	LegacyToken         *string // Alternate lookup key kept for older clients
	UserID              string
	Email               *string
	EncryptedCredential []byte // Only forwarded to the identity provider
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Verified            bool
	VerifiedAt          *time.Time
	FailedAttempts      int
	LockedUntil         *time.Time
}

// Usability is the outcome of checking whether a session accepts attempts.
type Usability int

const (
	SessionUsable Usability = iota
	SessionExpired
	SessionLocked
)

func (u Usability) String() string {
	switch u {
	case SessionUsable:
		return "usable"
	case SessionExpired:
		return "expired"
	case SessionLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// IsExpired reports whether now is at or past the session expiry.
func (s *VerificationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsLocked reports whether a lockout is in effect at now.
func (s *VerificationSession) IsLocked(now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// RetryAfterSeconds returns the whole seconds left on the lockout, rounded up.
func (s *VerificationSession) RetryAfterSeconds(now time.Time) int {
	if !s.IsLocked(now) {
		return 0
	}
	return int(math.Ceil(s.LockedUntil.Sub(now).Seconds()))
}

// Usability classifies the session at now. Expired takes precedence over Locked.
func (s *VerificationSession) Usability(now time.Time) Usability {
	if s.IsExpired(now) {
		return SessionExpired
	}
	if s.IsLocked(now) {
		return SessionLocked
	}
	return SessionUsable
}

// FailureOutcome is the result of recording a failed attempt.
type FailureOutcome struct {
	Session   *VerificationSession
	LockedNow bool
}
