package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/background"
	"github.com/BradenHooton/twofa/internal/config"
	"github.com/BradenHooton/twofa/internal/database"
	"github.com/BradenHooton/twofa/internal/handlers"
	"github.com/BradenHooton/twofa/internal/metrics"
	middlewareCustom "github.com/BradenHooton/twofa/internal/middleware"
	"github.com/BradenHooton/twofa/internal/repositories"
	"github.com/BradenHooton/twofa/internal/routes"
	"github.com/BradenHooton/twofa/internal/services"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// sessionStore is what both session backends provide
type sessionStore interface {
	services.SessionStore
	background.SessionPurger
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.SlogLevel()}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("session_store", cfg.TwoFactor.SessionStore),
	)

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	if err := metrics.RegisterPoolStats(prometheus.DefaultRegisterer, db.Stats); err != nil {
		logger.Warn("failed to register pool metrics", slog.Any("error", err))
	}

	healthChecks := map[string]handlers.HealthCheck{
		"database": db.HealthCheck,
	}

	// Initialize repositories
	secretRepo := repositories.NewSecretRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)

	var sessions sessionStore
	switch cfg.TwoFactor.SessionStore {
	case config.SessionStoreRedis:
		client, err := connectRedis(&cfg.Redis)
		if err != nil {
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer client.Close()

		sessions = repositories.NewRedisSessionStore(client, cfg.Redis.KeyPrefix, cfg.TwoFactor.ExpiredSessionGrace)
		healthChecks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	default:
		sessions = repositories.NewSessionRepository(db)
	}

	// Cryptographic primitives
	cipher, err := auth.NewSecretCipher(cfg.TwoFactor.EncryptionKey)
	if err != nil {
		logger.Error("failed to initialize secret cipher", slog.Any("error", err))
		os.Exit(1)
	}
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.Issuer,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.TwoFactor.TimingDelayBaseMs,
		RandomDelayMs: cfg.TwoFactor.TimingDelayRandomMs,
	})

	// Initialize services
	auditService := services.NewAuditService(auditRepo, logger, services.AuditConfig{
		BufferSize:   cfg.Audit.BufferSize,
		WriteTimeout: cfg.Audit.WriteTimeout,
	})

	sessionManager := services.NewSessionManager(sessions, services.SessionPolicy{
		MaxFailedAttempts: cfg.TwoFactor.MaxFailedAttempts,
		LockoutDuration:   cfg.TwoFactor.LockoutDuration,
	}, logger)
	totpService := services.NewTOTPService(secretRepo, cipher, auth.NewTOTPVerifier(cfg.TwoFactor.TOTPSkew))
	backupService := services.NewBackupCodeService(secretRepo, auth.NewBackupCodeHasher(cfg.TwoFactor.BackupCodeCost))
	handoff := services.NewTokenHandoff(tokenManager, logger)

	verificationService := services.NewVerificationService(
		sessionManager,
		totpService,
		backupService,
		handoff,
		auditService,
		timingDelay,
		services.VerificationConfig{LowBackupCodeCount: cfg.TwoFactor.LowBackupCodeCount},
		logger,
	)

	// Initialize handlers
	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	verificationHandler := handlers.NewVerificationHandler(verificationService, ipConfig, logger)
	auditHandler := handlers.NewAuditHandler(auditRepo, logger)
	healthHandler := handlers.NewHealthHandler(healthChecks)

	rateLimitConfig := middlewareCustom.DefaultVerifyRateLimit(ipConfig)
	if cfg.Server.RateLimitPerMinute > 0 {
		rateLimitConfig.RequestsPerMinute = cfg.Server.RateLimitPerMinute
	}

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(sessions, auditRepo, background.CleanupConfig{
		Interval:           cfg.TwoFactor.CleanupInterval,
		SessionGrace:       cfg.TwoFactor.ExpiredSessionGrace,
		AuditRetentionDays: cfg.Audit.RetentionDays,
	}, logger)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// Register routes
	routes.RegisterRoutes(router, verificationHandler, auditHandler, healthHandler, tokenManager, rateLimitConfig)

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	// Flush queued audit entries once no request can add more
	auditService.Close()
	if dropped := auditService.Dropped(); dropped > 0 {
		logger.Warn("audit entries were not persisted", slog.Uint64("dropped", dropped))
	}

	logger.Info("server stopped gracefully")
}

func connectRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
