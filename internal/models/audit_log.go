package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions for second-factor verification
const (
	AuditActionVerified           = "verified"
	AuditActionVerificationFailed = "verification_failed"
	AuditActionBackupCodeUsed     = "backup_code_used"
	AuditActionBackupCodeFailed   = "backup_code_failed"
	AuditActionSystemFault        = "verification_error"
)

// Verification methods
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// AuditLog is an append-only record of one verification attempt.
type AuditLog struct {
	ID        uuid.UUID     `db:"id"`
	UserID    string        `db:"user_id"`
	Action    string        `db:"action"`
	Method    string        `db:"method"`
	Success   bool          `db:"success"`
	IPAddress *string       `db:"ip_address"`
	UserAgent *string       `db:"user_agent"`
	Metadata  AuditMetadata `db:"metadata"`
	CreatedAt time.Time     `db:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*am = make(AuditMetadata)
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}(am))
}

// NewFailureMetadata builds the metadata recorded for a rejected code.
func NewFailureMetadata(failedAttempts int, locked bool) AuditMetadata {
	return AuditMetadata{
		"failed_attempts": failedAttempts,
		"locked":          locked,
	}
}

// NewBackupCodeUsedMetadata builds the metadata recorded when a backup code is consumed.
func NewBackupCodeUsedMetadata(remaining int) AuditMetadata {
	return AuditMetadata{
		"remaining_codes": remaining,
	}
}
