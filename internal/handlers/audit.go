package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/models"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// AuditHistoryReader reads a user's verification audit trail
type AuditHistoryReader interface {
	GetByUserID(ctx context.Context, userID string, limit int, offset int) ([]*models.AuditLog, error)
}

// AuditHandler serves the caller's own verification history
type AuditHandler struct {
	reader AuditHistoryReader
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(reader AuditHistoryReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		reader: reader,
		logger: logger,
	}
}

// AuditLogResponse represents an audit log entry in HTTP response
type AuditLogResponse struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Method    string         `json:"method"`
	Success   bool           `json:"success"`
	IPAddress *string        `json:"ipAddress,omitempty"`
	UserAgent *string        `json:"userAgent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

// AuditHistoryResponse is a page of the caller's history
type AuditHistoryResponse struct {
	Entries []*AuditLogResponse `json:"entries"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// GetHistory handles GET /auth/2fa/history
func (h *AuditHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	limit := defaultHistoryLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, maxHistoryLimit)
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	logs, err := h.reader.GetByUserID(r.Context(), claims.UserID, limit, offset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to read audit history",
			slog.String("user_id", claims.UserID),
			slog.Any("error", err),
		)
		pkghttp.WriteInternalError(w, "Failed to load history")
		return
	}

	entries := make([]*AuditLogResponse, len(logs))
	for i, log := range logs {
		entries[i] = auditLogToResponse(log)
	}

	pkghttp.WriteSuccess(w, AuditHistoryResponse{Entries: entries, Limit: limit, Offset: offset})
}

// auditLogToResponse converts an audit log model to a response DTO
func auditLogToResponse(log *models.AuditLog) *AuditLogResponse {
	return &AuditLogResponse{
		ID:        log.ID.String(),
		Action:    log.Action,
		Method:    log.Method,
		Success:   log.Success,
		IPAddress: log.IPAddress,
		UserAgent: log.UserAgent,
		Metadata:  log.Metadata,
		CreatedAt: log.CreatedAt.UTC().Format(time.RFC3339),
	}
}
