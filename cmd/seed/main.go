// Command seed provisions a TOTP secret, backup codes and a pending
// verification session for one user so the verify endpoints can be
// exercised locally. It refuses to run when ENV=production.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/config"
	"github.com/BradenHooton/twofa/internal/database"
	"github.com/BradenHooton/twofa/internal/models"
	"github.com/BradenHooton/twofa/internal/repositories"
	"github.com/redis/go-redis/v9"
)

type sessionCreator interface {
	Create(ctx context.Context, s *models.VerificationSession) (*models.VerificationSession, error)
}

type seedOutput struct {
	UserID       string   `json:"userId"`
	SessionID    string   `json:"sessionId"`
	SessionToken string   `json:"sessionToken"`
	ExpiresAt    string   `json:"expiresAt"`
	TOTPSecret   string   `json:"totpSecret"`
	CurrentCode  string   `json:"currentCode"`
	BackupCodes  []string `json:"backupCodes"`
}

func main() {
	userID := flag.String("user", "", "user id to seed (required)")
	email := flag.String("email", "", "email recorded on the session")
	codeCount := flag.Int("codes", 10, "number of backup codes to issue")
	sessionTTL := flag.Duration("ttl", 10*time.Minute, "verification session lifetime")
	codeTTL := flag.Duration("code-ttl", 365*24*time.Hour, "backup code lifetime")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Server.Env == "production" {
		logger.Error("seed refuses to run in production")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	out, err := run(ctx, cfg, logger, *userID, *email, *codeCount, *sessionTTL, *codeTTL)
	if err != nil {
		logger.Error("seed failed", slog.Any("error", err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to write output", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, userID, email string, codeCount int, sessionTTL, codeTTL time.Duration) (*seedOutput, error) {
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cipher, err := auth.NewSecretCipher(cfg.TwoFactor.EncryptionKey)
	if err != nil {
		return nil, err
	}

	secret, err := auth.GenerateSecret(cfg.Auth.Issuer, userID)
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := cipher.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	secrets := repositories.NewSecretRepository(db)
	if err := secrets.UpsertTOTPSecret(ctx, &models.TOTPSecret{UserID: userID, Ciphertext: ciphertext, Nonce: nonce}); err != nil {
		return nil, err
	}

	codes, err := auth.GenerateBackupCodes(codeCount)
	if err != nil {
		return nil, err
	}
	hasher := auth.NewBackupCodeHasher(cfg.TwoFactor.BackupCodeCost)
	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, err := hasher.Hash(code)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	now := time.Now()
	if err := secrets.ReplaceBackupCodes(ctx, userID, hashes, now.Add(codeTTL)); err != nil {
		return nil, err
	}

	var store sessionCreator = repositories.NewSessionRepository(db)
	if cfg.TwoFactor.SessionStore == config.SessionStoreRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		store = repositories.NewRedisSessionStore(client, cfg.Redis.KeyPrefix, cfg.TwoFactor.ExpiredSessionGrace)
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	sess := &models.VerificationSession{
		LegacyToken: &token,
		UserID:      userID,
		ExpiresAt:   now.Add(sessionTTL),
	}
	if email != "" {
		sess.Email = &email
	}
	created, err := store.Create(ctx, sess)
	if err != nil {
		return nil, err
	}

	current, err := auth.NewTOTPVerifier(cfg.TwoFactor.TOTPSkew).GenerateCode(secret, now)
	if err != nil {
		return nil, err
	}

	return &seedOutput{
		UserID:       userID,
		SessionID:    created.ID,
		SessionToken: token,
		ExpiresAt:    created.ExpiresAt.UTC().Format(time.RFC3339),
		TOTPSecret:   secret,
		CurrentCode:  current,
		BackupCodes:  codes,
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
