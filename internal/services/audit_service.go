package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BradenHooton/twofa/internal/metrics"
	"github.com/BradenHooton/twofa/internal/models"
	pkglogger "github.com/BradenHooton/twofa/pkg/logger"
)

// AuditLogStore appends audit entries
type AuditLogStore interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
}

// AuditConfig configures the audit dispatcher
type AuditConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
}

// AuditService records verification outcomes with a dual-write: an
// immediate slog line and an asynchronous database append. Record never
// blocks the caller; entries are dropped when the buffer is full.
type AuditService struct {
	repo         AuditLogStore
	logger       *slog.Logger
	audit        *pkglogger.AuditLogger
	writeTimeout time.Duration

	ch        chan *models.AuditLog
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewAuditService creates a new AuditService and starts its writer
func NewAuditService(repo AuditLogStore, logger *slog.Logger, cfg AuditConfig) *AuditService {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	s := &AuditService{
		repo:         repo,
		logger:       logger,
		audit:        pkglogger.NewAuditLogger(logger),
		writeTimeout: cfg.WriteTimeout,
		ch:           make(chan *models.AuditLog, cfg.BufferSize),
		done:         make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *AuditService) run() {
	defer s.wg.Done()

	for {
		select {
		case entry := <-s.ch:
			s.persist(entry)
		case <-s.done:
			for {
				select {
				case entry := <-s.ch:
					s.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditService) persist(entry *models.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if _, err := s.repo.Create(ctx, entry); err != nil {
		s.dropped.Add(1)
		metrics.AuditDroppedTotal.WithLabelValues(metrics.AuditDropWriteFailed).Inc()
		// Non-critical: verification outcome is already decided
		s.logger.Error("failed to persist audit log",
			slog.String("action", entry.Action),
			slog.String("user_id", entry.UserID),
			slog.Any("error", err),
		)
	}
}

// Record logs the entry and queues it for persistence
func (s *AuditService) Record(ctx context.Context, entry *models.AuditLog) {
	if entry == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	event := pkglogger.AuditEvent{
		EventType: entry.Action,
		UserID:    entry.UserID,
		Method:    entry.Method,
		Success:   entry.Success,
		Fault:     entry.Action == models.AuditActionSystemFault,
		Metadata:  entry.Metadata,
		Timestamp: entry.CreatedAt,
	}
	if entry.IPAddress != nil {
		event.IPAddress = *entry.IPAddress
	}
	if entry.UserAgent != nil {
		event.UserAgent = *entry.UserAgent
	}
	s.audit.LogVerification(ctx, event)

	if s.closed.Load() {
		s.drop(metrics.AuditDropClosed)
		return
	}

	select {
	case s.ch <- entry:
	case <-s.done:
		s.drop(metrics.AuditDropClosed)
	default:
		s.drop(metrics.AuditDropBufferFull)
	}
}

func (s *AuditService) drop(reason string) {
	s.dropped.Add(1)
	metrics.AuditDroppedTotal.WithLabelValues(reason).Inc()
}

// Close stops accepting entries and waits for queued ones to be written
func (s *AuditService) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
	})
}

// Dropped returns how many entries were never persisted
func (s *AuditService) Dropped() uint64 {
	return s.dropped.Load()
}
