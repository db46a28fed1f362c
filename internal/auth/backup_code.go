package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Backup codes are displayed as XXXX-XXXXXX
const (
	backupCodePrefixLen = 4
	backupCodeSuffixLen = 6
	backupCodeSeparator = '-'
)

// Charset: A-Z 2-9 (excluding 0/O/1/I/L which are ambiguous)
const backupCodeCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// ErrInvalidBackupCodeFormat is returned when a candidate cannot be normalized
var ErrInvalidBackupCodeFormat = errors.New("invalid backup code format, expected XXXX-XXXXXX")

// FormatBackupCode normalizes user input into the canonical XXXX-XXXXXX form.
// Whitespace and separators are dropped and letters uppercased before the
// separator is reinserted.
func FormatBackupCode(input string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(input)) {
		switch {
		case r == backupCodeSeparator || r == ' ':
			continue
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return "", ErrInvalidBackupCodeFormat
		}
	}

	compact := b.String()
	if len(compact) != backupCodePrefixLen+backupCodeSuffixLen {
		return "", ErrInvalidBackupCodeFormat
	}

	formatted := compact[:backupCodePrefixLen] + string(backupCodeSeparator) + compact[backupCodePrefixLen:]
	if !IsValidBackupCodeFormat(formatted) {
		return "", ErrInvalidBackupCodeFormat
	}
	return formatted, nil
}

// IsValidBackupCodeFormat reports whether code is already in canonical form
func IsValidBackupCodeFormat(code string) bool {
	if len(code) != backupCodePrefixLen+1+backupCodeSuffixLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if i == backupCodePrefixLen {
			if c != backupCodeSeparator {
				return false
			}
			continue
		}
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// GenerateBackupCodes generates count random codes in canonical form
func GenerateBackupCodes(count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("backup code count must be positive, got %d", count)
	}

	max := big.NewInt(int64(len(backupCodeCharset)))
	codes := make([]string, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodePrefixLen+backupCodeSuffixLen)
		for j := range raw {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, fmt.Errorf("failed to generate random index: %w", err)
			}
			raw[j] = backupCodeCharset[n.Int64()]
		}
		codes[i] = string(raw[:backupCodePrefixLen]) + string(backupCodeSeparator) + string(raw[backupCodePrefixLen:])
	}

	return codes, nil
}

// BackupCodeHasher hashes and compares backup codes with bcrypt
type BackupCodeHasher struct {
	cost int
}

// NewBackupCodeHasher creates a hasher with the given bcrypt cost.
// Costs outside bcrypt's range fall back to bcrypt.DefaultCost.
func NewBackupCodeHasher(cost int) *BackupCodeHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BackupCodeHasher{cost: cost}
}

// Hash returns the bcrypt hash of a canonical backup code
func (h *BackupCodeHasher) Hash(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash backup code: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether code matches hash. Malformed hashes never match.
func (h *BackupCodeHasher) Compare(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
