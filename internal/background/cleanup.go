package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/twofa/internal/metrics"
)

// SessionPurger deletes verification sessions that expired before a cutoff
type SessionPurger interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuditLogPurger deletes audit rows past retention
type AuditLogPurger interface {
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
}

// CleanupConfig controls what the cleanup manager removes and how often
type CleanupConfig struct {
	Interval           time.Duration
	SessionGrace       time.Duration // Expired sessions are kept this long so clients still see SESSION_EXPIRED
	AuditRetentionDays int           // 0 keeps audit rows forever
}

// CleanupManager periodically removes expired verification sessions and old audit rows
type CleanupManager struct {
	sessions SessionPurger
	audit    AuditLogPurger
	config   CleanupConfig
	logger   *slog.Logger
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager. audit may be nil.
func NewCleanupManager(sessions SessionPurger, audit AuditLogPurger, config CleanupConfig, logger *slog.Logger) *CleanupManager {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &CleanupManager{
		sessions: sessions,
		audit:    audit,
		config:   config,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.config.Interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single cleanup pass
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cutoff := cm.now().Add(-cm.config.SessionGrace)
	deleted, err := cm.sessions.DeleteExpired(cleanupCtx, cutoff)
	if err != nil {
		cm.logger.Error("failed to delete expired verification sessions", slog.Any("error", err))
	} else if deleted > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("sessions").Add(float64(deleted))
		cm.logger.Info("expired verification sessions deleted", slog.Int64("rows_deleted", deleted))
	}

	if cm.audit == nil || cm.config.AuditRetentionDays <= 0 {
		return
	}
	deleted, err = cm.audit.Cleanup(cleanupCtx, cm.config.AuditRetentionDays)
	if err != nil {
		cm.logger.Error("failed to clean up audit log", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("audit_log").Add(float64(deleted))
		cm.logger.Info("audit log cleanup completed", slog.Int64("rows_deleted", deleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
