package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/twofa/internal/database"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SecretRepository reads and consumes a user's second-factor material.
type SecretRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

func NewSecretRepository(db *database.DB) *SecretRepository {
	return &SecretRepository{db: db, pool: db.Pool}
}

// GetTOTPSecret returns models.ErrNotFound when the user has no secret on file.
func (r *SecretRepository) GetTOTPSecret(ctx context.Context, userID string) (*models.TOTPSecret, error) {
	query := `
		SELECT user_id, encrypted_secret, nonce, created_at
		FROM two_factor_secrets
		WHERE user_id = $1
	`

	var secret models.TOTPSecret
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&secret.UserID, &secret.Ciphertext, &secret.Nonce, &secret.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &secret, nil
}

func (r *SecretRepository) UpsertTOTPSecret(ctx context.Context, secret *models.TOTPSecret) error {
	query := `
		INSERT INTO two_factor_secrets (user_id, encrypted_secret, nonce)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET encrypted_secret = EXCLUDED.encrypted_secret,
		    nonce = EXCLUDED.nonce,
		    created_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, secret.UserID, secret.Ciphertext, secret.Nonce); err != nil {
		return fmt.Errorf("failed to store TOTP secret: %w", err)
	}
	return nil
}

func scanBackupCodeRow(scanner rowScanner) (*models.BackupCode, error) {
	var code models.BackupCode

	err := scanner.Scan(
		&code.ID, &code.UserID, &code.CodeHash, &code.Used,
		&code.UsedAt, &code.ExpiresAt, &code.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &code, nil
}

// ListUnusedBackupCodes returns the codes that are unused and unexpired at now.
func (r *SecretRepository) ListUnusedBackupCodes(ctx context.Context, userID string, now time.Time) ([]*models.BackupCode, error) {
	query := `
		SELECT id::text, user_id, code_hash, used, used_at, expires_at, created_at
		FROM two_factor_backup_codes
		WHERE user_id = $1 AND used = false AND expires_at > $2
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup codes: %w", err)
	}
	defer rows.Close()

	codes := make([]*models.BackupCode, 0)
	for rows.Next() {
		code, err := scanBackupCodeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup code: %w", err)
		}
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return codes, nil
}

// MarkBackupCodeUsed consumes a code. It reports false when another request
// consumed the same code first.
func (r *SecretRepository) MarkBackupCodeUsed(ctx context.Context, codeID string, now time.Time) (bool, error) {
	query := `
		UPDATE two_factor_backup_codes
		SET used = true, used_at = $2
		WHERE id = $1 AND used = false
	`

	result, err := r.pool.Exec(ctx, query, codeID, now)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", database.MapPostgresError(err))
	}
	return result.RowsAffected() == 1, nil
}

func (r *SecretRepository) CountUnusedBackupCodes(ctx context.Context, userID string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM two_factor_backup_codes
		WHERE user_id = $1 AND used = false AND expires_at > $2
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}

// ReplaceBackupCodes deletes the user's existing codes and stores the given
// hashes in one transaction.
func (r *SecretRepository) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string, expiresAt time.Time) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM two_factor_backup_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to delete backup codes: %w", err)
		}

		batch := &pgx.Batch{}
		for _, hash := range hashes {
			batch.Queue(
				`INSERT INTO two_factor_backup_codes (user_id, code_hash, expires_at) VALUES ($1, $2, $3)`,
				userID, hash, expiresAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert backup codes: %w", err)
		}
		return nil
	})
}
