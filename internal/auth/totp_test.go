package auth

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedNow sits in the middle of a 30 second step so ±n step offsets are exact
var fixedNow = time.Unix(1_767_225_615, 0).UTC()

func newTestSecret(t *testing.T) string {
	t.Helper()
	secret, err := GenerateSecret("twofa", "user@example.com")
	require.NoError(t, err)
	return secret
}

// ============================================================================
// Cipher Tests - SECURITY CRITICAL
// ============================================================================

func TestSecretCipher_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 24, 31, 33, 64} {
		c, err := NewSecretCipher(make([]byte, length))
		assert.Error(t, err)
		assert.Nil(t, c)
		assert.Contains(t, err.Error(), "must be exactly 32 bytes")
	}
}

func TestSecretCipher_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	c, err := NewSecretCipher(key)
	require.NoError(t, err)

	secret := []byte(newTestSecret(t))
	ciphertext, nonce, err := c.Encrypt(secret)
	require.NoError(t, err)
	assert.Len(t, nonce, 12)
	assert.NotEqual(t, secret, ciphertext)

	plaintext, err := c.Decrypt(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)
}

func TestSecretCipher_TamperedCiphertext(t *testing.T) {
	c, err := NewSecretCipher(make([]byte, 32))
	require.NoError(t, err)

	ciphertext, nonce, err := c.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	plaintext, err := c.Decrypt(ciphertext, nonce)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Nil(t, plaintext)
}

func TestSecretCipher_WrongKey(t *testing.T) {
	encKey := make([]byte, 32)
	encKey[0] = 1
	enc, err := NewSecretCipher(encKey)
	require.NoError(t, err)
	dec, err := NewSecretCipher(make([]byte, 32))
	require.NoError(t, err)

	ciphertext, nonce, err := enc.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = dec.Decrypt(ciphertext, nonce)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSecretCipher_WrongNonceLengthDoesNotPanic(t *testing.T) {
	c, err := NewSecretCipher(make([]byte, 32))
	require.NoError(t, err)

	ciphertext, _, err := c.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = c.Decrypt(ciphertext, make([]byte, 11))
	})
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

// ============================================================================
// TOTP Validation Tests - SECURITY CRITICAL
// ============================================================================

func TestTOTPVerifier_AcceptsWindow(t *testing.T) {
	v := NewDefaultTOTPVerifier()
	secret := newTestSecret(t)

	for _, steps := range []int{-2, -1, 0, 1, 2} {
		code, err := v.GenerateCode(secret, fixedNow.Add(time.Duration(steps)*30*time.Second))
		require.NoError(t, err)

		valid, err := v.Verify(secret, code, fixedNow)
		assert.NoError(t, err)
		assert.True(t, valid, "code %d steps from now should be accepted", steps)
	}
}

func TestTOTPVerifier_RejectsOutsideWindow(t *testing.T) {
	v := NewDefaultTOTPVerifier()
	secret := newTestSecret(t)

	for _, steps := range []int{-4, -3, 3, 4} {
		code, err := v.GenerateCode(secret, fixedNow.Add(time.Duration(steps)*30*time.Second))
		require.NoError(t, err)

		// Guard against the one-in-a-million collision with an in-window code
		collides := false
		for w := -2; w <= 2; w++ {
			inWindow, err := v.GenerateCode(secret, fixedNow.Add(time.Duration(w)*30*time.Second))
			require.NoError(t, err)
			collides = collides || inWindow == code
		}
		if collides {
			continue
		}

		valid, err := v.Verify(secret, code, fixedNow)
		assert.NoError(t, err)
		assert.False(t, valid, "code %d steps from now should be rejected", steps)
	}
}

func TestTOTPVerifier_WrongCode(t *testing.T) {
	v := NewDefaultTOTPVerifier()
	secret := newTestSecret(t)

	code, err := v.GenerateCode(secret, fixedNow)
	require.NoError(t, err)

	wrong := []byte(code)
	wrong[5] = '0' + (wrong[5]-'0'+1)%10

	valid, err := v.Verify(secret, string(wrong), fixedNow)
	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestTOTPVerifier_MalformedCodeIsNotValid(t *testing.T) {
	v := NewDefaultTOTPVerifier()
	secret := newTestSecret(t)

	for _, code := range []string{"", "12345", "1234567", "12AB56", " 12345"} {
		valid, err := v.Verify(secret, code, fixedNow)
		assert.NoError(t, err)
		assert.False(t, valid, "code %q", code)
	}
}

func TestTOTPVerifier_InvalidSecret(t *testing.T) {
	v := NewDefaultTOTPVerifier()

	valid, err := v.Verify("not base32 at all!", "123456", fixedNow)
	assert.ErrorIs(t, err, ErrInvalidSecret)
	assert.False(t, valid)
}

func TestIsValidTOTPFormat(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"123456", true},
		{"000000", true},
		{"12345", false},
		{"1234567", false},
		{"12AB", false},
		{"12345a", false},
		{"123 456", false},
		{"１２３４５６", false}, // full-width digits are not ASCII
	}

	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidTOTPFormat(tt.code), "IsValidTOTPFormat(%q)", tt.code)
	}
}
