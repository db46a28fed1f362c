package services

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
)

// BackupCodeStore reads and consumes a user's backup codes
type BackupCodeStore interface {
	ListUnusedBackupCodes(ctx context.Context, userID string, now time.Time) ([]*models.BackupCode, error)
	MarkBackupCodeUsed(ctx context.Context, codeID string, now time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, userID string, now time.Time) (int, error)
}

// BackupCodeComparer compares a candidate against a stored hash
type BackupCodeComparer interface {
	Compare(hash, code string) bool
}

// BackupCodeOutcome is the result of presenting a backup code
type BackupCodeOutcome int

const (
	BackupCodeConsumed BackupCodeOutcome = iota
	BackupCodeNoMatch
	BackupCodeNoneLeft
)

// BackupCodeService matches and consumes single-use backup codes
type BackupCodeService struct {
	store  BackupCodeStore
	hasher BackupCodeComparer
}

// NewBackupCodeService creates a new BackupCodeService
func NewBackupCodeService(store BackupCodeStore, hasher BackupCodeComparer) *BackupCodeService {
	return &BackupCodeService{
		store:  store,
		hasher: hasher,
	}
}

// Consume matches a normalized code against the user's eligible codes and
// marks the match used. A code consumed concurrently by another request is
// reported as BackupCodeNoMatch.
func (s *BackupCodeService) Consume(ctx context.Context, userID, code string, now time.Time) (BackupCodeOutcome, error) {
	codes, err := s.store.ListUnusedBackupCodes(ctx, userID, now)
	if err != nil {
		return BackupCodeNoMatch, models.NewVerificationError(models.KindInternalError, fmt.Errorf("list backup codes: %w", err))
	}
	if len(codes) == 0 {
		return BackupCodeNoneLeft, nil
	}

	var matched *models.BackupCode
	for _, c := range codes {
		if !c.IsEligible(now) {
			continue
		}
		if s.hasher.Compare(c.CodeHash, code) {
			matched = c
			break
		}
	}
	if matched == nil {
		return BackupCodeNoMatch, nil
	}

	consumed, err := s.store.MarkBackupCodeUsed(ctx, matched.ID, now)
	if err != nil {
		return BackupCodeNoMatch, models.NewVerificationError(models.KindInternalError, fmt.Errorf("consume backup code: %w", err))
	}
	if !consumed {
		return BackupCodeNoMatch, nil
	}
	return BackupCodeConsumed, nil
}

// Remaining counts the user's unused, unexpired codes
func (s *BackupCodeService) Remaining(ctx context.Context, userID string, now time.Time) (int, error) {
	return s.store.CountUnusedBackupCodes(ctx, userID, now)
}

// LowBalanceWarning returns the warning shown when few codes remain, or ""
func LowBalanceWarning(remaining, threshold int) string {
	if remaining > threshold {
		return ""
	}
	return fmt.Sprintf("You have only %d backup code(s) remaining. Generate new ones soon.", remaining)
}
