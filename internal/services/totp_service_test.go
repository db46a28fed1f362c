package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPService_Verify(t *testing.T) {
	secret, err := auth.GenerateSecret("twofa", "user@example.com")
	require.NoError(t, err)
	verifier := auth.NewDefaultTOTPVerifier()
	code, err := verifier.GenerateCode(secret, testNow)
	require.NoError(t, err)

	present := &MockSecretStore{
		GetTOTPSecretFunc: func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
			return &models.TOTPSecret{UserID: userID, Ciphertext: []byte(secret)}, nil
		},
	}

	tests := []struct {
		name     string
		secrets  *MockSecretStore
		cipher   *MockDecrypter
		code     string
		wantOK   bool
		wantKind models.ErrorKind
	}{
		{
			name:    "valid code",
			secrets: present,
			cipher:  &MockDecrypter{},
			code:    code,
			wantOK:  true,
		},
		{
			name:    "wrong code",
			secrets: present,
			cipher:  &MockDecrypter{},
			code:    "000000",
		},
		{
			name:     "no secret on file",
			secrets:  &MockSecretStore{},
			cipher:   &MockDecrypter{},
			code:     code,
			wantKind: models.KindConfigError,
		},
		{
			name: "secret store unavailable",
			secrets: &MockSecretStore{
				GetTOTPSecretFunc: func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
					return nil, errors.New("timeout")
				},
			},
			cipher:   &MockDecrypter{},
			code:     code,
			wantKind: models.KindInternalError,
		},
		{
			name:    "decryption fails",
			secrets: present,
			cipher: &MockDecrypter{
				DecryptFunc: func(ciphertext, nonce []byte) ([]byte, error) {
					return nil, auth.ErrDecryptionFailed
				},
			},
			code:     code,
			wantKind: models.KindDecryptionFailed,
		},
		{
			name:    "decrypted secret is not base32",
			secrets: present,
			cipher: &MockDecrypter{
				DecryptFunc: func(ciphertext, nonce []byte) ([]byte, error) {
					return []byte("not base32 !!"), nil
				},
			},
			code:     code,
			wantKind: models.KindDecryptionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTOTPService(tt.secrets, tt.cipher, verifier)

			ok, err := svc.Verify(context.Background(), "user-1", tt.code, testNow)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, models.KindOf(err))
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestTOTPService_WindowAroundNow(t *testing.T) {
	secret, err := auth.GenerateSecret("twofa", "user@example.com")
	require.NoError(t, err)
	verifier := auth.NewDefaultTOTPVerifier()

	svc := NewTOTPService(&MockSecretStore{
		GetTOTPSecretFunc: func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
			return &models.TOTPSecret{Ciphertext: []byte(secret)}, nil
		},
	}, &MockDecrypter{}, verifier)

	for _, steps := range []int{-2, -1, 0, 1, 2} {
		code, err := verifier.GenerateCode(secret, testNow.Add(time.Duration(steps)*30*time.Second))
		require.NoError(t, err)

		ok, err := svc.Verify(context.Background(), "user-1", code, testNow)
		require.NoError(t, err)
		assert.True(t, ok, "step %d", steps)
	}
}
