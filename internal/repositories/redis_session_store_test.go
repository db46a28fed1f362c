package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisSessionStore) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisSessionStore(client, "2fa", time.Hour)
}

func createTestSession(t *testing.T, store *RedisSessionStore, now time.Time, legacy string) *models.VerificationSession {
	t.Helper()

	email := "user@example.com"
	sess := &models.VerificationSession{
		UserID:              "user-1",
		Email:               &email,
		EncryptedCredential: []byte{0x01, 0x02, 0x03},
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
	if legacy != "" {
		sess.LegacyToken = &legacy
	}

	created, err := store.Create(context.Background(), sess)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	return created
}

func TestRedisSessionStore_CreateAndGet(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	created := createTestSession(t, store, now, "legacy-token")

	byID, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", byID.UserID)
	assert.Equal(t, "user@example.com", *byID.Email)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, byID.EncryptedCredential)
	assert.True(t, byID.ExpiresAt.Equal(now.Add(10*time.Minute)))
	assert.False(t, byID.Verified)
	assert.Nil(t, byID.LockedUntil)
	assert.Nil(t, byID.VerifiedAt)

	byToken, err := store.GetByLegacyToken(ctx, "legacy-token")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byToken.ID)
}

func TestRedisSessionStore_NotFound(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.GetByLegacyToken(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.RecordFailure(ctx, "missing", time.Now(), 5, 15*time.Minute)
	assert.ErrorIs(t, err, models.ErrStateChanged)
}

func TestRedisSessionStore_KeyOutlivesExpiry(t *testing.T) {
	mr, store := newTestRedisStore(t)
	now := time.Now()

	created := createTestSession(t, store, now, "")

	ttl := mr.TTL("2fa:sess:" + created.ID)
	assert.Greater(t, ttl, 10*time.Minute)
	assert.LessOrEqual(t, ttl, 70*time.Minute+time.Second)
}

func TestRedisSessionStore_RecordFailureLocksAtThreshold(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	created := createTestSession(t, store, now, "")

	for i := 1; i <= 4; i++ {
		outcome, err := store.RecordFailure(ctx, created.ID, now, 5, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, outcome.Session.FailedAttempts)
		assert.False(t, outcome.LockedNow)
	}

	outcome, err := store.RecordFailure(ctx, created.ID, now, 5, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, outcome.Session.FailedAttempts)
	assert.True(t, outcome.LockedNow)
	assert.Equal(t, 900, outcome.Session.RetryAfterSeconds(now))

	// locked sessions reject further failures
	_, err = store.RecordFailure(ctx, created.ID, now.Add(time.Minute), 5, 15*time.Minute)
	assert.ErrorIs(t, err, models.ErrStateChanged)

	// and verification
	_, err = store.MarkVerified(ctx, created.ID, now.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrStateChanged)
}

func TestRedisSessionStore_FailureAfterLockoutExpiryLocksAgain(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := &models.VerificationSession{UserID: "user-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	created, err := store.Create(ctx, sess)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.RecordFailure(ctx, created.ID, now, 5, 15*time.Minute)
		require.NoError(t, err)
	}

	later := now.Add(16 * time.Minute)
	outcome, err := store.RecordFailure(ctx, created.ID, later, 5, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 6, outcome.Session.FailedAttempts)
	assert.True(t, outcome.LockedNow)
}

func TestRedisSessionStore_ExpiredSessionRejectsMutations(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	created := createTestSession(t, store, now, "")
	after := created.ExpiresAt

	_, err := store.RecordFailure(ctx, created.ID, after, 5, 15*time.Minute)
	assert.ErrorIs(t, err, models.ErrStateChanged)

	_, err = store.MarkVerified(ctx, created.ID, after)
	assert.ErrorIs(t, err, models.ErrStateChanged)

	// still readable so callers can report the expiry
	got, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.IsExpired(after))
}

func TestRedisSessionStore_MarkVerifiedIsIdempotent(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	created := createTestSession(t, store, now, "")

	first, err := store.MarkVerified(ctx, created.ID, now)
	require.NoError(t, err)
	assert.True(t, first.Verified)
	require.NotNil(t, first.VerifiedAt)

	second, err := store.MarkVerified(ctx, created.ID, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, second.Verified)
	assert.True(t, second.VerifiedAt.Equal(*first.VerifiedAt))

	// failures no longer apply
	_, err = store.RecordFailure(ctx, created.ID, now, 5, 15*time.Minute)
	assert.ErrorIs(t, err, models.ErrStateChanged)
}

func TestRedisSessionStore_ConcurrentFailuresNeverOvershoot(t *testing.T) {
	_, store := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	created := createTestSession(t, store, now, "")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		locked  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := store.RecordFailure(ctx, created.ID, now, 5, 15*time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			applied++
			if outcome.LockedNow {
				locked++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, applied)
	assert.Equal(t, 1, locked)

	got, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.FailedAttempts)
}

func TestRedisSessionStore_DeleteExpiredIsNoop(t *testing.T) {
	_, store := newTestRedisStore(t)

	n, err := store.DeleteExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
