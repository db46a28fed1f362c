package models

import "time"

// TOTPSecret holds a user's encrypted TOTP secret. The plaintext is a
// base32 string and never leaves the verifier.
type TOTPSecret struct {
	UserID     string
	Ciphertext []byte // AES-256-GCM encrypted base32 secret
	Nonce      []byte // GCM nonce (12 bytes)
	CreatedAt  time.Time
}

// BackupCode is a single-use recovery code stored as a bcrypt hash.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	Used      bool
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsEligible reports whether the code can still be presented at now.
func (c *BackupCode) IsEligible(now time.Time) bool {
	return !c.Used && c.ExpiresAt.After(now)
}
