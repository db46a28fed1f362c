package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
)

// MockSessionStore implements SessionStore for testing
type MockSessionStore struct {
	GetByIDFunc          func(ctx context.Context, id string) (*models.VerificationSession, error)
	GetByLegacyTokenFunc func(ctx context.Context, token string) (*models.VerificationSession, error)
	RecordFailureFunc    func(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error)
	MarkVerifiedFunc     func(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error)
}

func (m *MockSessionStore) GetByID(ctx context.Context, id string) (*models.VerificationSession, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionStore) GetByLegacyToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	if m.GetByLegacyTokenFunc != nil {
		return m.GetByLegacyTokenFunc(ctx, token)
	}
	return nil, models.ErrNotFound
}

func (m *MockSessionStore) RecordFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error) {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, id, now, threshold, lockout)
	}
	return nil, models.ErrInternalServer
}

func (m *MockSessionStore) MarkVerified(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error) {
	if m.MarkVerifiedFunc != nil {
		return m.MarkVerifiedFunc(ctx, id, now)
	}
	return nil, models.ErrInternalServer
}

// MockSecretStore implements TOTPSecretStore and BackupCodeStore for testing
type MockSecretStore struct {
	GetTOTPSecretFunc          func(ctx context.Context, userID string) (*models.TOTPSecret, error)
	ListUnusedBackupCodesFunc  func(ctx context.Context, userID string, now time.Time) ([]*models.BackupCode, error)
	MarkBackupCodeUsedFunc     func(ctx context.Context, codeID string, now time.Time) (bool, error)
	CountUnusedBackupCodesFunc func(ctx context.Context, userID string, now time.Time) (int, error)
}

func (m *MockSecretStore) GetTOTPSecret(ctx context.Context, userID string) (*models.TOTPSecret, error) {
	if m.GetTOTPSecretFunc != nil {
		return m.GetTOTPSecretFunc(ctx, userID)
	}
	return nil, models.ErrNotFound
}

func (m *MockSecretStore) ListUnusedBackupCodes(ctx context.Context, userID string, now time.Time) ([]*models.BackupCode, error) {
	if m.ListUnusedBackupCodesFunc != nil {
		return m.ListUnusedBackupCodesFunc(ctx, userID, now)
	}
	return []*models.BackupCode{}, nil
}

func (m *MockSecretStore) MarkBackupCodeUsed(ctx context.Context, codeID string, now time.Time) (bool, error) {
	if m.MarkBackupCodeUsedFunc != nil {
		return m.MarkBackupCodeUsedFunc(ctx, codeID, now)
	}
	return false, nil
}

func (m *MockSecretStore) CountUnusedBackupCodes(ctx context.Context, userID string, now time.Time) (int, error) {
	if m.CountUnusedBackupCodesFunc != nil {
		return m.CountUnusedBackupCodesFunc(ctx, userID, now)
	}
	return 0, nil
}

// MockDecrypter implements SecretDecrypter for testing
type MockDecrypter struct {
	DecryptFunc func(ciphertext, nonce []byte) ([]byte, error)
}

func (m *MockDecrypter) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if m.DecryptFunc != nil {
		return m.DecryptFunc(ciphertext, nonce)
	}
	return ciphertext, nil
}

// MockIdentityProvider implements IdentityProvider for testing
type MockIdentityProvider struct {
	MintTokensFunc func(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error)
}

func (m *MockIdentityProvider) MintTokens(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error) {
	if m.MintTokensFunc != nil {
		return m.MintTokensFunc(ctx, userID, hc)
	}
	return &models.TokenPair{AccessToken: "access-" + userID, RefreshToken: "refresh-" + userID}, nil
}

// MockAuditLogStore implements AuditLogStore for testing
type MockAuditLogStore struct {
	CreateFunc func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
}

func (m *MockAuditLogStore) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, log)
	}
	return log, nil
}

// RecordingAuditor implements Auditor and keeps every entry
type RecordingAuditor struct {
	mu      sync.Mutex
	Entries []*models.AuditLog
}

func (a *RecordingAuditor) Record(ctx context.Context, entry *models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Entries = append(a.Entries, entry)
}

func (a *RecordingAuditor) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := make([]string, 0, len(a.Entries))
	for _, e := range a.Entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// memorySessionStore is a SessionStore with the same conditional update
// rules as the database stores, for concurrency tests
type memorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.VerificationSession
	legacy   map[string]string
}

func newMemorySessionStore(sessions ...*models.VerificationSession) *memorySessionStore {
	st := &memorySessionStore{
		sessions: make(map[string]*models.VerificationSession),
		legacy:   make(map[string]string),
	}
	for _, s := range sessions {
		cp := *s
		st.sessions[s.ID] = &cp
		if s.LegacyToken != nil {
			st.legacy[*s.LegacyToken] = s.ID
		}
	}
	return st
}

func (st *memorySessionStore) GetByID(ctx context.Context, id string) (*models.VerificationSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (st *memorySessionStore) GetByLegacyToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	st.mu.Lock()
	id, ok := st.legacy[token]
	st.mu.Unlock()
	if !ok {
		return nil, models.ErrNotFound
	}
	return st.GetByID(ctx, id)
}

func (st *memorySessionStore) RecordFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.Verified || s.IsExpired(now) || s.IsLocked(now) {
		return nil, models.ErrStateChanged
	}
	s.FailedAttempts++
	if s.FailedAttempts >= threshold {
		until := now.Add(lockout)
		s.LockedUntil = &until
	}
	cp := *s
	return &models.FailureOutcome{Session: &cp, LockedNow: cp.IsLocked(now)}, nil
}

func (st *memorySessionStore) MarkVerified(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.IsExpired(now) || (!s.Verified && s.IsLocked(now)) {
		return nil, models.ErrStateChanged
	}
	if !s.Verified {
		s.Verified = true
		s.VerifiedAt = &now
	}
	cp := *s
	return &cp, nil
}

// memoryBackupCodeStore consumes codes under a lock
type memoryBackupCodeStore struct {
	mu    sync.Mutex
	codes []*models.BackupCode
}

func (st *memoryBackupCodeStore) ListUnusedBackupCodes(ctx context.Context, userID string, now time.Time) ([]*models.BackupCode, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*models.BackupCode, 0)
	for _, c := range st.codes {
		if c.UserID == userID && c.IsEligible(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (st *memoryBackupCodeStore) MarkBackupCodeUsed(ctx context.Context, codeID string, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range st.codes {
		if c.ID == codeID && !c.Used {
			c.Used = true
			c.UsedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (st *memoryBackupCodeStore) CountUnusedBackupCodes(ctx context.Context, userID string, now time.Time) (int, error) {
	codes, err := st.ListUnusedBackupCodes(ctx, userID, now)
	return len(codes), err
}
