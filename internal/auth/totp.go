package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidSecret is returned when a decrypted secret is not valid base32
var ErrInvalidSecret = errors.New("totp secret is not valid base32")

const (
	totpPeriod      = 30
	totpDigits      = 6
	defaultTOTPSkew = 2
)

// TOTPVerifier validates 6-digit time-based codes with bounded clock drift
type TOTPVerifier struct {
	opts totp.ValidateOpts
}

// NewTOTPVerifier creates a verifier accepting codes within ±skew time steps.
// A skew of 2 with 30 second steps tolerates roughly 60-90 seconds of drift.
func NewTOTPVerifier(skew uint) *TOTPVerifier {
	return &TOTPVerifier{
		opts: totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      skew,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

// NewDefaultTOTPVerifier creates a verifier with a ±2 step window
func NewDefaultTOTPVerifier() *TOTPVerifier {
	return NewTOTPVerifier(defaultTOTPSkew)
}

// Verify checks code against the base32 secret at time now.
// The comparison inside hotp is constant-time.
func (v *TOTPVerifier) Verify(secret, code string, now time.Time) (bool, error) {
	if !IsValidTOTPFormat(code) {
		return false, nil
	}

	valid, err := totp.ValidateCustom(code, secret, now, v.opts)
	if err != nil {
		if errors.Is(err, otp.ErrValidateSecretInvalidBase32) {
			return false, ErrInvalidSecret
		}
		return false, fmt.Errorf("failed to validate TOTP: %w", err)
	}

	return valid, nil
}

// GenerateCode returns the code for the secret at time t. Used for seeding
// test fixtures and by operators checking a device.
func (v *TOTPVerifier) GenerateCode(secret string, t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, t, v.opts)
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}

// GenerateSecret creates a new random base32 TOTP secret
func GenerateSecret(issuer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		SecretSize:  20,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return key.Secret(), nil
}

// IsValidTOTPFormat reports whether code is exactly six ASCII digits
func IsValidTOTPFormat(code string) bool {
	if len(code) != totpDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
