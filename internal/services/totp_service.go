package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/models"
)

// TOTPSecretStore reads a user's encrypted TOTP secret
type TOTPSecretStore interface {
	GetTOTPSecret(ctx context.Context, userID string) (*models.TOTPSecret, error)
}

// SecretDecrypter recovers the plaintext TOTP secret
type SecretDecrypter interface {
	Decrypt(ciphertext, nonce []byte) ([]byte, error)
}

// CodeVerifier checks a one-time code against a plaintext secret
type CodeVerifier interface {
	Verify(secret, code string, now time.Time) (bool, error)
}

// TOTPService verifies time-based codes against the user's stored secret
type TOTPService struct {
	secrets  TOTPSecretStore
	cipher   SecretDecrypter
	verifier CodeVerifier
}

// NewTOTPService creates a new TOTPService
func NewTOTPService(secrets TOTPSecretStore, cipher SecretDecrypter, verifier CodeVerifier) *TOTPService {
	return &TOTPService{
		secrets:  secrets,
		cipher:   cipher,
		verifier: verifier,
	}
}

// Verify reports whether code is valid for the user at now. Faults reading
// or decrypting the secret are returned as CONFIG_ERROR or
// DECRYPTION_FAILED and never as a wrong code.
func (s *TOTPService) Verify(ctx context.Context, userID, code string, now time.Time) (bool, error) {
	secret, err := s.secrets.GetTOTPSecret(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, models.NewVerificationError(models.KindConfigError,
				fmt.Errorf("no totp secret for user %s", userID))
		}
		return false, models.NewVerificationError(models.KindInternalError, fmt.Errorf("load totp secret: %w", err))
	}

	plaintext, err := s.cipher.Decrypt(secret.Ciphertext, secret.Nonce)
	if err != nil {
		return false, models.NewVerificationError(models.KindDecryptionFailed, err)
	}
	defer clear(plaintext)

	ok, err := s.verifier.Verify(string(plaintext), code, now)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidSecret) {
			return false, models.NewVerificationError(models.KindDecryptionFailed, err)
		}
		return false, models.NewVerificationError(models.KindInternalError, err)
	}
	return ok, nil
}
