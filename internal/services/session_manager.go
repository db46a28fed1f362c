package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
	pkglogger "github.com/BradenHooton/twofa/pkg/logger"
	"github.com/google/uuid"
)

// SessionStore persists verification sessions. RecordFailure and
// MarkVerified are conditional and return models.ErrStateChanged when the
// session is no longer in a state that allows the transition.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*models.VerificationSession, error)
	GetByLegacyToken(ctx context.Context, token string) (*models.VerificationSession, error)
	RecordFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error)
	MarkVerified(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error)
}

// SessionPolicy configures the lockout rules
type SessionPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// DefaultSessionPolicy locks a session for 15 minutes after 5 failures
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

// SessionManager owns the verification session state machine
type SessionManager struct {
	store  SessionStore
	policy SessionPolicy
	logger *slog.Logger
}

// NewSessionManager creates a new SessionManager
func NewSessionManager(store SessionStore, policy SessionPolicy, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// LoadSession resolves a session reference. A reference shaped like a
// session id is looked up by id first; anything that does not resolve that
// way is tried as a legacy session token.
func (m *SessionManager) LoadSession(ctx context.Context, ref string) (*models.VerificationSession, error) {
	if _, err := uuid.Parse(ref); err == nil {
		s, err := m.store.GetByID(ctx, ref)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, models.NewVerificationError(models.KindInternalError, fmt.Errorf("load session: %w", err))
		}
	}

	s, err := m.store.GetByLegacyToken(ctx, ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewVerificationError(models.KindInvalidSession, err)
		}
		return nil, models.NewVerificationError(models.KindInternalError, fmt.Errorf("load session by legacy token: %w", err))
	}
	return s, nil
}

// CheckUsable returns SESSION_EXPIRED or ACCOUNT_LOCKED when the session
// cannot accept an attempt at now. Expiry takes precedence.
func (m *SessionManager) CheckUsable(s *models.VerificationSession, now time.Time) error {
	switch s.Usability(now) {
	case models.SessionExpired:
		return models.NewVerificationError(models.KindSessionExpired, nil)
	case models.SessionLocked:
		return models.NewVerificationError(models.KindAccountLocked, nil).
			WithRetryAfter(s.RetryAfterSeconds(now))
	}
	return nil
}

// IsAlreadyVerified reports whether an earlier request verified the session
func (m *SessionManager) IsAlreadyVerified(s *models.VerificationSession) bool {
	return s.Verified
}

// RemainingAttempts returns how many more failures the session tolerates before locking
func (m *SessionManager) RemainingAttempts(s *models.VerificationSession) int {
	remaining := m.policy.MaxFailedAttempts - s.FailedAttempts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordFailure counts a wrong code against the session. When a concurrent
// request moved the session first, the session is re-read and the current
// state is reported instead.
func (m *SessionManager) RecordFailure(ctx context.Context, s *models.VerificationSession, now time.Time) (*models.FailureOutcome, error) {
	outcome, err := m.store.RecordFailure(ctx, s.ID, now, m.policy.MaxFailedAttempts, m.policy.LockoutDuration)
	if err == nil {
		if outcome.LockedNow {
			attrs := []any{
				slog.String("session_id", s.ID),
				slog.String("user_id", s.UserID),
				slog.Int("failed_attempts", outcome.Session.FailedAttempts),
			}
			if s.Email != nil {
				attrs = append(attrs, slog.String("email", pkglogger.SanitizedEmail(*s.Email)))
			}
			m.logger.WarnContext(ctx, "verification session locked", attrs...)
		}
		return outcome, nil
	}
	if !errors.Is(err, models.ErrStateChanged) {
		return nil, models.NewVerificationError(models.KindInternalError, fmt.Errorf("record failure: %w", err))
	}

	current, err := m.reload(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if err := m.CheckUsable(current, now); err != nil {
		return nil, err
	}
	// verified concurrently; this attempt's code was still wrong
	return &models.FailureOutcome{Session: current}, nil
}

// RecordSuccess marks the session verified. Failed attempts are kept.
func (m *SessionManager) RecordSuccess(ctx context.Context, s *models.VerificationSession, now time.Time) (*models.VerificationSession, error) {
	verified, err := m.store.MarkVerified(ctx, s.ID, now)
	if err == nil {
		return verified, nil
	}
	if !errors.Is(err, models.ErrStateChanged) {
		return nil, models.NewVerificationError(models.KindInternalError, fmt.Errorf("mark verified: %w", err))
	}

	current, err := m.reload(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	if err := m.CheckUsable(current, now); err != nil {
		return nil, err
	}
	return nil, models.NewVerificationError(models.KindInternalError,
		fmt.Errorf("session %s could not be verified: %w", s.ID, models.ErrStateChanged))
}

func (m *SessionManager) reload(ctx context.Context, id string) (*models.VerificationSession, error) {
	current, err := m.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewVerificationError(models.KindInvalidSession, err)
		}
		return nil, models.NewVerificationError(models.KindInternalError, fmt.Errorf("reload session: %w", err))
	}
	return current, nil
}
