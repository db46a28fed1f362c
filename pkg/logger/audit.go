package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a second-factor audit event
type AuditEvent struct {
	EventType string
	UserID    string
	Method    string
	IPAddress string
	UserAgent string
	Success   bool
	Fault     bool // System-side failure rather than a user error
	Metadata  map[string]any
	Timestamp time.Time
}

// AuditLogger writes audit events as structured log lines
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogVerification logs a verification attempt. Faults log at error level,
// rejected attempts at warn and successes at info.
func (al *AuditLogger) LogVerification(ctx context.Context, event AuditEvent) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "two_factor"),
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("timestamp", ts.UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Method != "" {
		attrs = append(attrs, slog.String("method", event.Method))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}

	level := slog.LevelInfo
	switch {
	case event.Fault:
		level = slog.LevelError
	case !event.Success:
		level = slog.LevelWarn
	}

	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
