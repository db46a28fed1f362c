package repositories

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BradenHooton/twofa/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Script status codes
const (
	sessionScriptMissing  int64 = 0
	sessionScriptRejected int64 = 1
	sessionScriptApplied  int64 = 2
)

// Times are stored as unix milliseconds; "0" means unset.
const recordFailureScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end

local now = tonumber(ARGV[1])
local f = redis.call("HMGET", KEYS[1], "verified", "expires_at", "locked_until", "failed_attempts")
if f[1] == "1" or tonumber(f[2]) <= now or tonumber(f[3]) > now then
  return {1}
end

local attempts = tonumber(f[4]) + 1
redis.call("HSET", KEYS[1], "failed_attempts", attempts)
if attempts >= tonumber(ARGV[2]) then
  redis.call("HSET", KEYS[1], "locked_until", ARGV[3])
end

local out = {2}
local all = redis.call("HGETALL", KEYS[1])
for i = 1, #all do
  out[#out + 1] = all[i]
end
return out
`

const markVerifiedScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end

local now = tonumber(ARGV[1])
local f = redis.call("HMGET", KEYS[1], "verified", "expires_at", "locked_until")
if tonumber(f[2]) <= now then
  return {1}
end

if f[1] ~= "1" then
  if tonumber(f[3]) > now then
    return {1}
  end
  redis.call("HSET", KEYS[1], "verified", "1", "verified_at", ARGV[1])
end

local out = {2}
local all = redis.call("HGETALL", KEYS[1])
for i = 1, #all do
  out[#out + 1] = all[i]
end
return out
`

var (
	recordFailureLua = redis.NewScript(recordFailureScript)
	markVerifiedLua  = redis.NewScript(markVerifiedScript)
)

// ErrRedisUnavailable wraps transport failures talking to redis.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisSessionStore keeps verification sessions in redis hashes. Keys
// outlive the session expiry by the retention window so that late requests
// still see an expired session instead of an unknown one.
type RedisSessionStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisSessionStore {
	return &RedisSessionStore{redis: client, prefix: prefix, retention: retention}
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + ":sess:" + id
}

func (s *RedisSessionStore) legacyKey(token string) string {
	return s.prefix + ":legacy:" + token
}

func (s *RedisSessionStore) GetByID(ctx context.Context, id string) (*models.VerificationSession, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}
	return decodeSessionHash(fields)
}

func (s *RedisSessionStore) GetByLegacyToken(ctx context.Context, token string) (*models.VerificationSession, error) {
	id, err := s.redis.Get(ctx, s.legacyKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return s.GetByID(ctx, id)
}

func (s *RedisSessionStore) Create(ctx context.Context, sess *models.VerificationSession) (*models.VerificationSession, error) {
	created := *sess
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	created.Verified = false
	created.VerifiedAt = nil
	created.FailedAttempts = 0
	created.LockedUntil = nil

	key := s.key(created.ID)
	deadline := created.ExpiresAt.Add(s.retention)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeSessionHash(&created))
		pipe.PExpireAt(ctx, key, deadline)
		if created.LegacyToken != nil {
			legacy := s.legacyKey(*created.LegacyToken)
			pipe.Set(ctx, legacy, created.ID, 0)
			pipe.PExpireAt(ctx, legacy, deadline)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return &created, nil
}

func (s *RedisSessionStore) RecordFailure(ctx context.Context, id string, now time.Time, threshold int, lockout time.Duration) (*models.FailureOutcome, error) {
	sess, err := s.runSessionScript(ctx, recordFailureLua, id,
		now.UnixMilli(), threshold, now.Add(lockout).UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return &models.FailureOutcome{Session: sess, LockedNow: sess.IsLocked(now)}, nil
}

func (s *RedisSessionStore) MarkVerified(ctx context.Context, id string, now time.Time) (*models.VerificationSession, error) {
	return s.runSessionScript(ctx, markVerifiedLua, id, now.UnixMilli())
}

// DeleteExpired is a no-op: key expiry removes sessions after the retention window.
func (s *RedisSessionStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisSessionStore) runSessionScript(ctx context.Context, script *redis.Script, id string, args ...interface{}) (*models.VerificationSession, error) {
	res, err := script.Run(ctx, s.redis, []string{s.key(id)}, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: empty script reply", ErrRedisUnavailable)
	}

	status, _ := res[0].(int64)
	switch status {
	case sessionScriptMissing, sessionScriptRejected:
		return nil, models.ErrStateChanged
	case sessionScriptApplied:
	default:
		return nil, fmt.Errorf("%w: unexpected script status %v", ErrRedisUnavailable, res[0])
	}

	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeSessionHash(fields)
}

func encodeSessionHash(sess *models.VerificationSession) map[string]interface{} {
	fields := map[string]interface{}{
		"id":              sess.ID,
		"user_id":         sess.UserID,
		"credential":      sess.EncryptedCredential,
		"created_at":      sess.CreatedAt.UnixMilli(),
		"expires_at":      sess.ExpiresAt.UnixMilli(),
		"verified":        boolField(sess.Verified),
		"verified_at":     optionalMillis(sess.VerifiedAt),
		"failed_attempts": sess.FailedAttempts,
		"locked_until":    optionalMillis(sess.LockedUntil),
		"token":           "",
		"email":           "",
	}
	if sess.LegacyToken != nil {
		fields["token"] = *sess.LegacyToken
	}
	if sess.Email != nil {
		fields["email"] = *sess.Email
	}
	return fields
}

func decodeSessionHash(fields map[string]string) (*models.VerificationSession, error) {
	sess := &models.VerificationSession{
		ID:       fields["id"],
		UserID:   fields["user_id"],
		Verified: fields["verified"] == "1",
	}
	if sess.ID == "" || sess.UserID == "" {
		return nil, fmt.Errorf("corrupt session hash: missing id")
	}

	if v := fields["token"]; v != "" {
		sess.LegacyToken = &v
	}
	if v := fields["email"]; v != "" {
		sess.Email = &v
	}
	if v := fields["credential"]; v != "" {
		sess.EncryptedCredential = []byte(v)
	}

	var err error
	if sess.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, err
	}
	if sess.ExpiresAt, err = parseMillis(fields["expires_at"]); err != nil {
		return nil, err
	}
	if sess.FailedAttempts, err = strconv.Atoi(fields["failed_attempts"]); err != nil {
		return nil, fmt.Errorf("corrupt session hash: failed_attempts: %w", err)
	}
	if sess.VerifiedAt, err = parseOptionalMillis(fields["verified_at"]); err != nil {
		return nil, err
	}
	if sess.LockedUntil, err = parseOptionalMillis(fields["locked_until"]); err != nil {
		return nil, err
	}

	return sess, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func optionalMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt session hash: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" || v == "0" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
