package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/twofa/internal/database"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `id, user_id, action, method, success, ip_address, user_agent, metadata, created_at`

// Create appends an audit log entry
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO two_factor_audit_log (user_id, action, method, success, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + auditLogColumns

	metadata := log.Metadata
	if metadata == nil {
		metadata = models.AuditMetadata{}
	}

	rows, err := r.pool.Query(ctx, query,
		log.UserID, log.Action, log.Method, log.Success, log.IPAddress, log.UserAgent, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}
	result, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[models.AuditLog])
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", database.MapPostgresError(err))
	}

	return result, nil
}

// GetByUserID retrieves a user's verification history, newest first
func (r *AuditLogRepository) GetByUserID(ctx context.Context, userID string, limit int, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM two_factor_audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	logs, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.AuditLog])
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit logs: %w", err)
	}
	return logs, nil
}

// Cleanup removes audit rows past the retention window
func (r *AuditLogRepository) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	query := `DELETE FROM two_factor_audit_log WHERE created_at < NOW() - make_interval(days => $1)`

	result, err := r.pool.Exec(ctx, query, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}
