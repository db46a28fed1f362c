package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/metrics"
	"github.com/BradenHooton/twofa/internal/models"
)

// Auditor records verification outcomes without affecting them
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// VerificationConfig holds verification behavior settings
type VerificationConfig struct {
	LowBackupCodeCount int // Warn when this many codes or fewer remain
}

// VerificationService checks a second factor against a verification
// session and hands verified sessions off for token minting
type VerificationService struct {
	sessions *SessionManager
	totp     *TOTPService
	backup   *BackupCodeService
	handoff  *TokenHandoff
	audit    Auditor
	timing   *auth.TimingDelay
	config   VerificationConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerificationService creates a new VerificationService
func NewVerificationService(
	sessions *SessionManager,
	totp *TOTPService,
	backup *BackupCodeService,
	handoff *TokenHandoff,
	audit Auditor,
	timing *auth.TimingDelay,
	config VerificationConfig,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		sessions: sessions,
		totp:     totp,
		backup:   backup,
		handoff:  handoff,
		audit:    audit,
		timing:   timing,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// VerifyTOTP verifies a six-digit time-based code
func (s *VerificationService) VerifyTOTP(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	start := time.Now()
	result, err := s.verifyTOTP(ctx, req)
	s.finish(ctx, models.MethodTOTP, start, err)
	return result, err
}

// VerifyBackupCode verifies and consumes a single-use backup code
func (s *VerificationService) VerifyBackupCode(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	start := time.Now()
	result, err := s.verifyBackupCode(ctx, req)
	s.finish(ctx, models.MethodBackupCode, start, err)
	return result, err
}

func (s *VerificationService) verifyTOTP(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	if req.SessionRef == "" || req.Code == "" {
		return nil, models.NewVerificationError(models.KindInvalidRequest, nil)
	}
	code := strings.TrimSpace(req.Code)
	if !auth.IsValidTOTPFormat(code) {
		return nil, models.NewVerificationError(models.KindInvalidCodeFormat, nil)
	}

	sess, now, err := s.openSession(ctx, req, models.MethodTOTP, models.AuditActionVerificationFailed)
	if err != nil {
		return nil, err
	}
	if s.sessions.IsAlreadyVerified(sess) {
		return s.complete(ctx, sess, models.MethodTOTP, true)
	}

	ok, err := s.totp.Verify(ctx, sess.UserID, code, now)
	if err != nil {
		s.recordFault(ctx, req, sess, models.MethodTOTP, err)
		return nil, err
	}
	if !ok {
		return nil, s.fail(ctx, req, sess, now, models.MethodTOTP, models.AuditActionVerificationFailed)
	}

	verified, err := s.sessions.RecordSuccess(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	s.record(ctx, req, sess.UserID, models.AuditActionVerified, models.MethodTOTP, true, nil)

	return s.complete(ctx, verified, models.MethodTOTP, false)
}

func (s *VerificationService) verifyBackupCode(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error) {
	if req.SessionRef == "" || req.Code == "" {
		return nil, models.NewVerificationError(models.KindInvalidRequest, nil)
	}
	code, err := auth.FormatBackupCode(req.Code)
	if err != nil {
		return nil, models.NewVerificationError(models.KindInvalidCodeFormat, err)
	}

	sess, now, err := s.openSession(ctx, req, models.MethodBackupCode, models.AuditActionBackupCodeFailed)
	if err != nil {
		return nil, err
	}
	if s.sessions.IsAlreadyVerified(sess) {
		result, err := s.complete(ctx, sess, models.MethodBackupCode, true)
		if err != nil {
			return nil, err
		}
		s.attachRemaining(ctx, result, sess.UserID, now)
		return result, nil
	}

	outcome, err := s.backup.Consume(ctx, sess.UserID, code, now)
	if err != nil {
		s.recordFault(ctx, req, sess, models.MethodBackupCode, err)
		return nil, err
	}

	switch outcome {
	case BackupCodeNoneLeft:
		s.record(ctx, req, sess.UserID, models.AuditActionBackupCodeFailed, models.MethodBackupCode, false,
			models.AuditMetadata{"reason": string(models.KindNoBackupCodes)})
		return nil, models.NewVerificationError(models.KindNoBackupCodes, nil)
	case BackupCodeNoMatch:
		return nil, s.fail(ctx, req, sess, now, models.MethodBackupCode, models.AuditActionBackupCodeFailed)
	}

	metrics.BackupCodesConsumedTotal.Inc()

	verified, err := s.sessions.RecordSuccess(ctx, sess, now)
	if err != nil {
		s.logger.WarnContext(ctx, "backup code consumed but session not verified",
			slog.String("session_id", sess.ID),
			slog.String("kind", string(models.KindOf(err))),
		)
		return nil, err
	}

	remaining, countErr := s.backup.Remaining(ctx, sess.UserID, now)
	metadata := models.AuditMetadata{}
	if countErr == nil {
		metadata = models.NewBackupCodeUsedMetadata(remaining)
	}
	s.record(ctx, req, sess.UserID, models.AuditActionBackupCodeUsed, models.MethodBackupCode, true, metadata)

	result, err := s.complete(ctx, verified, models.MethodBackupCode, false)
	if err != nil {
		return nil, err
	}
	if countErr != nil {
		s.logger.ErrorContext(ctx, "failed to count remaining backup codes",
			slog.String("user_id", sess.UserID),
			slog.Any("error", countErr),
		)
		return result, nil
	}
	s.setRemaining(result, remaining)
	return result, nil
}

// openSession loads the session and rejects it when expired or locked
func (s *VerificationService) openSession(ctx context.Context, req models.VerifyRequest, method, failAction string) (*models.VerificationSession, time.Time, error) {
	sess, err := s.sessions.LoadSession(ctx, req.SessionRef)
	if err != nil {
		return nil, time.Time{}, err
	}

	now := s.now()
	if err := s.sessions.CheckUsable(sess, now); err != nil {
		s.record(ctx, req, sess.UserID, failAction, method, false,
			models.AuditMetadata{"reason": string(models.KindOf(err))})
		return nil, time.Time{}, err
	}
	return sess, now, nil
}

// fail counts a wrong code and builds the user-facing error
func (s *VerificationService) fail(ctx context.Context, req models.VerifyRequest, sess *models.VerificationSession, now time.Time, method, action string) error {
	outcome, err := s.sessions.RecordFailure(ctx, sess, now)
	if err != nil {
		return err
	}

	s.record(ctx, req, sess.UserID, action, method, false,
		models.NewFailureMetadata(outcome.Session.FailedAttempts, outcome.LockedNow))

	if outcome.LockedNow {
		metrics.LockoutsTotal.Inc()
		return models.NewVerificationError(models.KindAccountLocked, nil).
			WithRemainingAttempts(0).
			WithRetryAfter(outcome.Session.RetryAfterSeconds(now))
	}
	return models.NewVerificationError(models.KindInvalidCode, nil).
		WithRemainingAttempts(s.sessions.RemainingAttempts(outcome.Session))
}

// complete hands a verified session to the identity provider
func (s *VerificationService) complete(ctx context.Context, sess *models.VerificationSession, method string, replay bool) (*models.VerificationResult, error) {
	pair, err := s.handoff.Mint(ctx, sess, method)
	if err != nil {
		return nil, err
	}

	result := &models.VerificationResult{
		Verified:        true,
		UserID:          sess.UserID,
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AlreadyVerified: replay,
	}
	if sess.Email != nil {
		result.Email = *sess.Email
	}
	return result, nil
}

func (s *VerificationService) attachRemaining(ctx context.Context, result *models.VerificationResult, userID string, now time.Time) {
	remaining, err := s.backup.Remaining(ctx, userID, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to count remaining backup codes",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return
	}
	s.setRemaining(result, remaining)
}

func (s *VerificationService) setRemaining(result *models.VerificationResult, remaining int) {
	result.RemainingCodes = &remaining
	result.Warning = LowBalanceWarning(remaining, s.config.LowBackupCodeCount)
}

func (s *VerificationService) recordFault(ctx context.Context, req models.VerifyRequest, sess *models.VerificationSession, method string, err error) {
	s.logger.ErrorContext(ctx, "second factor could not be checked",
		slog.String("session_id", sess.ID),
		slog.String("user_id", sess.UserID),
		slog.String("method", method),
		slog.Any("error", err),
	)
	s.record(ctx, req, sess.UserID, models.AuditActionSystemFault, method, false,
		models.AuditMetadata{"reason": string(models.KindOf(err))})
}

func (s *VerificationService) record(ctx context.Context, req models.VerifyRequest, userID, action, method string, success bool, metadata models.AuditMetadata) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:   userID,
		Action:   action,
		Method:   method,
		Success:  success,
		Metadata: metadata,
	}
	if req.Meta.IPAddress != "" {
		ip := req.Meta.IPAddress
		entry.IPAddress = &ip
	}
	if req.Meta.UserAgent != "" {
		ua := req.Meta.UserAgent
		entry.UserAgent = &ua
	}
	s.audit.Record(ctx, entry)
}

// finish pads failure latency and records metrics
func (s *VerificationService) finish(ctx context.Context, method string, start time.Time, err error) {
	s.timing.WaitFrom(ctx, start, err == nil)

	outcome := "ok"
	if err != nil {
		outcome = string(models.KindOf(err))
		var verr *models.VerificationError
		if !errors.As(err, &verr) {
			s.logger.ErrorContext(ctx, "unexpected verification error", slog.Any("error", err))
		}
	}
	metrics.VerificationsTotal.WithLabelValues(method, outcome).Inc()
	metrics.VerificationDurationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
