package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSessionID = "3f1c8a52-6d0b-4c8e-9a57-0f2d6a1b7c44"

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc      *VerificationService
	sessions *memorySessionStore
	secrets  *MockSecretStore
	backup   *memoryBackupCodeStore
	provider *MockIdentityProvider
	auditor  *RecordingAuditor
	secret   string
}

func newTestSession(failedAttempts int) *models.VerificationSession {
	email := "user@example.com"
	legacy := "legacy-token-123"
	return &models.VerificationSession{
		ID:                  testSessionID,
		LegacyToken:         &legacy,
		UserID:              "user-1",
		Email:               &email,
		EncryptedCredential: []byte("sealed"),
		CreatedAt:           testNow.Add(-time.Minute),
		ExpiresAt:           testNow.Add(10 * time.Minute),
		FailedAttempts:      failedAttempts,
	}
}

func newTestEnv(t *testing.T, sessions ...*models.VerificationSession) *testEnv {
	t.Helper()

	key := make([]byte, 32)
	cipher, err := auth.NewSecretCipher(key)
	require.NoError(t, err)

	secret, err := auth.GenerateSecret("twofa", "user@example.com")
	require.NoError(t, err)
	ct, nonce, err := cipher.Encrypt([]byte(secret))
	require.NoError(t, err)

	env := &testEnv{
		sessions: newMemorySessionStore(sessions...),
		secrets: &MockSecretStore{
			GetTOTPSecretFunc: func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
				return &models.TOTPSecret{UserID: userID, Ciphertext: ct, Nonce: nonce}, nil
			},
		},
		backup:   &memoryBackupCodeStore{},
		provider: &MockIdentityProvider{},
		auditor:  &RecordingAuditor{},
		secret:   secret,
	}

	logger := testLogger()
	manager := NewSessionManager(env.sessions, DefaultSessionPolicy(), logger)
	totpSvc := NewTOTPService(env.secrets, cipher, auth.NewDefaultTOTPVerifier())
	backupSvc := NewBackupCodeService(env.backup, auth.NewBackupCodeHasher(4))
	handoff := NewTokenHandoff(env.provider, logger)

	env.svc = NewVerificationService(manager, totpSvc, backupSvc, handoff, env.auditor, nil,
		VerificationConfig{LowBackupCodeCount: 2}, logger)
	env.svc.now = func() time.Time { return testNow }

	return env
}

func (e *testEnv) validCode(t *testing.T) string {
	t.Helper()
	code, err := auth.NewDefaultTOTPVerifier().GenerateCode(e.secret, testNow)
	require.NoError(t, err)
	return code
}

func (e *testEnv) wrongCode(t *testing.T) string {
	t.Helper()
	verifier := auth.NewDefaultTOTPVerifier()
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		ok, err := verifier.Verify(e.secret, candidate, testNow)
		require.NoError(t, err)
		if !ok {
			return candidate
		}
	}
	t.Fatal("no wrong code candidate")
	return ""
}

func (e *testEnv) addBackupCodes(t *testing.T, codes ...string) {
	t.Helper()
	hasher := auth.NewBackupCodeHasher(4)
	for i, code := range codes {
		hash, err := hasher.Hash(code)
		require.NoError(t, err)
		e.backup.codes = append(e.backup.codes, &models.BackupCode{
			ID:        string(rune('a' + i)),
			UserID:    "user-1",
			CodeHash:  hash,
			ExpiresAt: testNow.Add(24 * time.Hour),
			CreatedAt: testNow.Add(-time.Hour),
		})
	}
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) *models.VerificationError {
	t.Helper()
	require.Error(t, err)
	var verr *models.VerificationError
	require.True(t, errors.As(err, &verr), "expected VerificationError, got %T", err)
	require.Equal(t, kind, verr.Kind)
	return verr
}

func totpRequest(code string) models.VerifyRequest {
	return models.VerifyRequest{
		SessionRef: testSessionID,
		Code:       code,
		Meta:       models.RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test-agent"},
	}
}

// ============================================================================
// TOTP
// ============================================================================

func TestVerifyTOTP_Success(t *testing.T) {
	env := newTestEnv(t, newTestSession(2))

	var got models.HandoffContext
	env.provider.MintTokensFunc = func(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error) {
		got = hc
		return &models.TokenPair{AccessToken: "at", RefreshToken: "rt"}, nil
	}

	result, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.validCode(t)))
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, "user-1", result.UserID)
	assert.Equal(t, "user@example.com", result.Email)
	assert.Equal(t, "at", result.AccessToken)
	assert.Equal(t, "rt", result.RefreshToken)
	assert.False(t, result.AlreadyVerified)
	assert.Nil(t, result.RemainingCodes)

	assert.Equal(t, testSessionID, got.SessionID)
	assert.Equal(t, models.MethodTOTP, got.Method)
	assert.Equal(t, []byte("sealed"), got.EncryptedCredential)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.True(t, stored.Verified)
	assert.Equal(t, 2, stored.FailedAttempts, "success does not reset failures")

	require.Len(t, env.auditor.Entries, 1)
	entry := env.auditor.Entries[0]
	assert.Equal(t, models.AuditActionVerified, entry.Action)
	assert.True(t, entry.Success)
	assert.Equal(t, "203.0.113.7", *entry.IPAddress)
	assert.Equal(t, "test-agent", *entry.UserAgent)
}

func TestVerifyTOTP_LegacyTokenReference(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))

	req := totpRequest(env.validCode(t))
	req.SessionRef = "legacy-token-123"

	result, err := env.svc.VerifyTOTP(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerifyTOTP_WrongCodeReportsRemainingAttempts(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.wrongCode(t)))
	verr := requireKind(t, err, models.KindInvalidCode)
	require.NotNil(t, verr.RemainingAttempts)
	assert.Equal(t, 4, *verr.RemainingAttempts)
	assert.Nil(t, verr.RetryAfterSeconds)

	require.Len(t, env.auditor.Entries, 1)
	assert.Equal(t, models.AuditActionVerificationFailed, env.auditor.Entries[0].Action)
	assert.Equal(t, 1, env.auditor.Entries[0].Metadata["failed_attempts"])
}

func TestVerifyTOTP_FifthFailureLocksSession(t *testing.T) {
	env := newTestEnv(t, newTestSession(4))

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.wrongCode(t)))
	verr := requireKind(t, err, models.KindAccountLocked)
	require.NotNil(t, verr.RemainingAttempts)
	assert.Equal(t, 0, *verr.RemainingAttempts)
	require.NotNil(t, verr.RetryAfterSeconds)
	assert.Equal(t, 900, *verr.RetryAfterSeconds)

	assert.Equal(t, true, env.auditor.Entries[0].Metadata["locked"])
}

func TestVerifyTOTP_LockedSessionRejectsCorrectCode(t *testing.T) {
	sess := newTestSession(5)
	until := testNow.Add(10 * time.Minute)
	sess.LockedUntil = &until
	env := newTestEnv(t, sess)

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.validCode(t)))
	verr := requireKind(t, err, models.KindAccountLocked)
	require.NotNil(t, verr.RetryAfterSeconds)
	assert.Equal(t, 600, *verr.RetryAfterSeconds)
	assert.Nil(t, verr.RemainingAttempts)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.False(t, stored.Verified)
	assert.Equal(t, 5, stored.FailedAttempts)
}

func TestVerifyTOTP_LockoutElapsedReopensSession(t *testing.T) {
	sess := newTestSession(5)
	until := testNow.Add(-time.Second)
	sess.LockedUntil = &until
	env := newTestEnv(t, sess)

	result, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.validCode(t)))
	require.NoError(t, err)
	assert.True(t, result.Verified)
}

func TestVerifyTOTP_ExpiredTakesPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		locked bool
	}{
		{"expired", false},
		{"expired and locked", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newTestSession(0)
			sess.ExpiresAt = testNow
			if tt.locked {
				until := testNow.Add(time.Hour)
				sess.LockedUntil = &until
			}
			env := newTestEnv(t, sess)

			_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.validCode(t)))
			requireKind(t, err, models.KindSessionExpired)

			_, err = env.svc.VerifyTOTP(context.Background(), totpRequest(env.wrongCode(t)))
			requireKind(t, err, models.KindSessionExpired)

			stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
			assert.Equal(t, 0, stored.FailedAttempts)
		})
	}
}

func TestVerifyTOTP_MalformedCodeTouchesNoStore(t *testing.T) {
	sessions := &MockSessionStore{
		GetByIDFunc: func(ctx context.Context, id string) (*models.VerificationSession, error) {
			t.Fatal("session store accessed")
			return nil, nil
		},
		GetByLegacyTokenFunc: func(ctx context.Context, token string) (*models.VerificationSession, error) {
			t.Fatal("session store accessed")
			return nil, nil
		},
	}
	secrets := &MockSecretStore{
		GetTOTPSecretFunc: func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
			t.Fatal("secret store accessed")
			return nil, nil
		},
	}

	logger := testLogger()
	svc := NewVerificationService(
		NewSessionManager(sessions, DefaultSessionPolicy(), logger),
		NewTOTPService(secrets, &MockDecrypter{}, auth.NewDefaultTOTPVerifier()),
		NewBackupCodeService(secrets, auth.NewBackupCodeHasher(4)),
		NewTokenHandoff(&MockIdentityProvider{}, logger),
		&RecordingAuditor{}, nil, VerificationConfig{}, logger,
	)

	for _, code := range []string{"12AB", "12345", "1234567", "12 345"} {
		_, err := svc.VerifyTOTP(context.Background(), totpRequest(code))
		requireKind(t, err, models.KindInvalidCodeFormat)
	}
}

func TestVerifyTOTP_MissingFields(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))

	_, err := env.svc.VerifyTOTP(context.Background(), models.VerifyRequest{Code: "123456"})
	requireKind(t, err, models.KindInvalidRequest)

	_, err = env.svc.VerifyTOTP(context.Background(), models.VerifyRequest{SessionRef: testSessionID})
	requireKind(t, err, models.KindInvalidRequest)
}

func TestVerifyTOTP_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest("123456"))
	requireKind(t, err, models.KindInvalidSession)
	assert.Empty(t, env.auditor.Entries)
}

func TestVerifyTOTP_ReplayOfVerifiedSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, newTestSession(1))
	ctx := context.Background()

	first, err := env.svc.VerifyTOTP(ctx, totpRequest(env.validCode(t)))
	require.NoError(t, err)
	assert.False(t, first.AlreadyVerified)

	secretReads := 0
	env.secrets.GetTOTPSecretFunc = func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
		secretReads++
		return nil, models.ErrNotFound
	}

	// code is not re-checked, even a wrong one
	second, err := env.svc.VerifyTOTP(ctx, totpRequest(env.wrongCode(t)))
	require.NoError(t, err)
	assert.True(t, second.Verified)
	assert.True(t, second.AlreadyVerified)
	assert.Zero(t, secretReads)

	stored, _ := env.sessions.GetByID(ctx, testSessionID)
	assert.Equal(t, 1, stored.FailedAttempts)
}

func TestVerifyTOTP_DecryptionFaultDoesNotCountAsFailure(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.secrets.GetTOTPSecretFunc = func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
		return &models.TOTPSecret{UserID: userID, Ciphertext: []byte("garbage"), Nonce: []byte("short")}, nil
	}

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest("123456"))
	verr := requireKind(t, err, models.KindDecryptionFailed)
	assert.Nil(t, verr.RemainingAttempts)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Equal(t, []string{models.AuditActionSystemFault}, env.auditor.Actions())
}

func TestVerifyTOTP_MissingSecretIsConfigError(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.secrets.GetTOTPSecretFunc = func(ctx context.Context, userID string) (*models.TOTPSecret, error) {
		return nil, models.ErrNotFound
	}

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest("123456"))
	requireKind(t, err, models.KindConfigError)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.Equal(t, 0, stored.FailedAttempts)
}

func TestVerifyTOTP_HandoffFailureKeepsSessionVerified(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	ctx := context.Background()

	env.provider.MintTokensFunc = func(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error) {
		return nil, errors.New("identity provider unavailable")
	}

	_, err := env.svc.VerifyTOTP(ctx, totpRequest(env.validCode(t)))
	verr := requireKind(t, err, models.KindSessionCreationFailed)
	assert.True(t, verr.Verified)

	stored, _ := env.sessions.GetByID(ctx, testSessionID)
	assert.True(t, stored.Verified)

	// retry without a new code once the provider recovers
	env.provider.MintTokensFunc = nil
	result, err := env.svc.VerifyTOTP(ctx, totpRequest("000000"))
	require.NoError(t, err)
	assert.True(t, result.AlreadyVerified)
	assert.Equal(t, "access-user-1", result.AccessToken)
}

func TestVerifyTOTP_HandoffRejected(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.provider.MintTokensFunc = func(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error) {
		return nil, models.ErrIdentityRejected
	}

	_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(env.validCode(t)))
	verr := requireKind(t, err, models.KindAuthenticationFailed)
	assert.True(t, verr.Verified)
}

func TestVerifyTOTP_ConcurrentWrongCodesLockExactlyOnce(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	wrong := env.wrongCode(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.VerifyTOTP(context.Background(), totpRequest(wrong))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	lockCausing := 0
	seenRemaining := map[int]bool{}
	for _, err := range errs {
		var verr *models.VerificationError
		require.True(t, errors.As(err, &verr))
		switch verr.Kind {
		case models.KindAccountLocked:
			if verr.RemainingAttempts != nil {
				lockCausing++
			}
		case models.KindInvalidCode:
			require.NotNil(t, verr.RemainingAttempts)
			assert.False(t, seenRemaining[*verr.RemainingAttempts], "remaining attempts reported twice")
			seenRemaining[*verr.RemainingAttempts] = true
		default:
			t.Fatalf("unexpected kind %s", verr.Kind)
		}
	}

	assert.Equal(t, 1, lockCausing)
	assert.Len(t, seenRemaining, 4)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.Equal(t, 5, stored.FailedAttempts)
}

// ============================================================================
// Backup codes
// ============================================================================

func backupRequest(code string) models.VerifyRequest {
	return models.VerifyRequest{SessionRef: testSessionID, Code: code}
}

func TestVerifyBackupCode_LowBalanceWarning(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.addBackupCodes(t, "ABCD-EFGH23", "WXYZ-234567")

	result, err := env.svc.VerifyBackupCode(context.Background(), backupRequest("abcd-efgh23"))
	require.NoError(t, err)

	assert.True(t, result.Verified)
	require.NotNil(t, result.RemainingCodes)
	assert.Equal(t, 1, *result.RemainingCodes)
	assert.Equal(t, "You have only 1 backup code(s) remaining. Generate new ones soon.", result.Warning)

	require.Len(t, env.auditor.Entries, 1)
	assert.Equal(t, models.AuditActionBackupCodeUsed, env.auditor.Entries[0].Action)
	assert.Equal(t, 1, env.auditor.Entries[0].Metadata["remaining_codes"])
}

func TestVerifyBackupCode_NoWarningWithPlentyLeft(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.addBackupCodes(t, "ABCD-EFGH23", "WXYZ-234567", "JKMN-PQRS45", "TUVW-XYZ234")

	result, err := env.svc.VerifyBackupCode(context.Background(), backupRequest(" ABCD EFGH23 "))
	require.NoError(t, err)
	assert.Equal(t, 3, *result.RemainingCodes)
	assert.Empty(t, result.Warning)
}

func TestVerifyBackupCode_CodeWorksOnlyOnce(t *testing.T) {
	first := newTestSession(0)
	second := newTestSession(0)
	second.ID = "9b2e4f10-1a3c-4d5e-8f60-7a8b9c0d1e2f"
	second.LegacyToken = nil

	env := newTestEnv(t, first, second)
	env.addBackupCodes(t, "ABCD-EFGH23", "WXYZ-234567")

	_, err := env.svc.VerifyBackupCode(context.Background(), backupRequest("ABCD-EFGH23"))
	require.NoError(t, err)

	req := backupRequest("ABCD-EFGH23")
	req.SessionRef = second.ID
	_, err = env.svc.VerifyBackupCode(context.Background(), req)
	verr := requireKind(t, err, models.KindInvalidCode)
	assert.Equal(t, 4, *verr.RemainingAttempts)
}

func TestVerifyBackupCode_NoCodesLeft(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))

	_, err := env.svc.VerifyBackupCode(context.Background(), backupRequest("ABCD-EFGH23"))
	requireKind(t, err, models.KindNoBackupCodes)

	stored, _ := env.sessions.GetByID(context.Background(), testSessionID)
	assert.Equal(t, 0, stored.FailedAttempts)
}

func TestVerifyBackupCode_MalformedCode(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))

	for _, code := range []string{"ABC", "ABCD-EFGH2!", "ABCDEFGH234567"} {
		_, err := env.svc.VerifyBackupCode(context.Background(), backupRequest(code))
		requireKind(t, err, models.KindInvalidCodeFormat)
	}
}

func TestVerifyBackupCode_ReplayReportsRemaining(t *testing.T) {
	env := newTestEnv(t, newTestSession(0))
	env.addBackupCodes(t, "ABCD-EFGH23", "WXYZ-234567", "JKMN-PQRS45")
	ctx := context.Background()

	_, err := env.svc.VerifyBackupCode(ctx, backupRequest("ABCD-EFGH23"))
	require.NoError(t, err)

	result, err := env.svc.VerifyBackupCode(ctx, backupRequest("WXYZ-234567"))
	require.NoError(t, err)
	assert.True(t, result.AlreadyVerified)
	assert.Equal(t, 2, *result.RemainingCodes, "replay does not consume a code")
}

func TestVerifyBackupCode_ConcurrentSameCodeAcrossSessions(t *testing.T) {
	ids := []string{
		"11111111-1111-4111-8111-111111111111",
		"22222222-2222-4222-8222-222222222222",
		"33333333-3333-4333-8333-333333333333",
		"44444444-4444-4444-8444-444444444444",
	}
	sessions := make([]*models.VerificationSession, 0, len(ids))
	for _, id := range ids {
		s := newTestSession(0)
		s.ID = id
		s.LegacyToken = nil
		sessions = append(sessions, s)
	}

	env := newTestEnv(t, sessions...)
	env.addBackupCodes(t, "ABCD-EFGH23")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			req := backupRequest("ABCD-EFGH23")
			req.SessionRef = id
			if _, err := env.svc.VerifyBackupCode(context.Background(), req); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}
