package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/twofa/internal/database"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowScanner interface for scanning rows (supports both single row and multiple rows)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `id::text, session_token, user_id, email, encrypted_credential, created_at,
		expires_at, verified, verified_at, failed_attempts, locked_until`

// SessionRepository stores verification sessions in PostgreSQL. Every
// mutation is a single conditional UPDATE so concurrent attempts against
// the same session serialize on the row lock.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

// scanSessionRow handles nullable fields and populates a VerificationSession from a database row
func scanSessionRow(scanner rowScanner) (*models.VerificationSession, error) {
	var s models.VerificationSession

	err := scanner.Scan(
		&s.ID, &s.LegacyToken, &s.UserID, &s.Email, &s.EncryptedCredential, &s.CreatedAt,
		&s.ExpiresAt, &s.Verified, &s.VerifiedAt, &s.FailedAttempts, &s.LockedUntil,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &s, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.VerificationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM verification_sessions WHERE id = $1`

	s, err := scanSessionRow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			// not a well-formed uuid
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *SessionRepository) GetByLegacyToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM verification_sessions WHERE session_token = $1`

	return scanSessionRow(r.pool.QueryRow(ctx, query, token))
}

// Create inserts a session issued by the first-factor login step.
func (r *SessionRepository) Create(ctx context.Context, s *models.VerificationSession) (*models.VerificationSession, error) {
	query := `
		INSERT INTO verification_sessions (session_token, user_id, email, encrypted_credential, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + sessionColumns

	created, err := scanSessionRow(r.pool.QueryRow(ctx, query,
		s.LegacyToken, s.UserID, s.Email, s.EncryptedCredential, s.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create verification session: %w", err)
	}
	return created, nil
}

// RecordFailure increments the failure counter and sets the lockout when the
// threshold is reached. It only applies to sessions that are unverified,
// unexpired and unlocked at now; otherwise it returns models.ErrStateChanged.
func (r *SessionRepository) RecordFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error) {
	query := `
		UPDATE verification_sessions
		SET failed_attempts = failed_attempts + 1,
		    locked_until = CASE
		        WHEN failed_attempts + 1 >= $3 THEN $4
		        ELSE locked_until
		    END
		WHERE id = $1
		  AND verified = false
		  AND expires_at > $2
		  AND (locked_until IS NULL OR locked_until <= $2)
		RETURNING ` + sessionColumns

	s, err := scanSessionRow(r.pool.QueryRow(ctx, query, id, now, threshold, now.Add(lockout)))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrStateChanged
		}
		return nil, fmt.Errorf("failed to record verification failure: %w", err)
	}

	return &models.FailureOutcome{Session: s, LockedNow: s.IsLocked(now)}, nil
}

// MarkVerified transitions the session to Verified. Repeating it on a
// verified session keeps the first verified_at.
func (r *SessionRepository) MarkVerified(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error) {
	query := `
		UPDATE verification_sessions
		SET verified = true,
		    verified_at = COALESCE(verified_at, $2)
		WHERE id = $1
		  AND expires_at > $2
		  AND (verified = true OR locked_until IS NULL OR locked_until <= $2)
		RETURNING ` + sessionColumns

	s, err := scanSessionRow(r.pool.QueryRow(ctx, query, id, now))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrStateChanged
		}
		return nil, fmt.Errorf("failed to mark session verified: %w", err)
	}
	return s, nil
}

// DeleteExpired removes sessions that expired before the given time.
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM verification_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
