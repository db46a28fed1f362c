package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/twofa/internal/models"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
)

const maxRequestBodyBytes = 4 << 10

// Verifier runs second-factor verification against a session
type Verifier interface {
	VerifyTOTP(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error)
	VerifyBackupCode(ctx context.Context, req models.VerifyRequest) (*models.VerificationResult, error)
}

// VerificationHandler handles second-factor verification requests
type VerificationHandler struct {
	verifier Verifier
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewVerificationHandler creates a new verification handler
func NewVerificationHandler(verifier Verifier, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{
		verifier: verifier,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// VerifyCode handles POST /auth/2fa/verify
func (h *VerificationHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidationError(w, err, "Verification code is required")
		return
	}

	result, err := h.verifier.VerifyTOTP(r.Context(), models.VerifyRequest{
		SessionRef: sessionRef(req.SessionID, req.SessionToken),
		Code:       req.Code,
		Meta:       h.requestMeta(r),
	})
	if err != nil {
		h.logFailure(r, models.MethodTOTP, err)
		writeVerificationError(w, err, models.MethodTOTP)
		return
	}

	pkghttp.WriteSuccess(w, newVerificationData(result))
}

// VerifyBackupCode handles POST /auth/2fa/verify-backup-code
func (h *VerificationHandler) VerifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyBackupCodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := ValidateRequest(&req); err != nil {
		writeValidationError(w, err, "Backup code is required")
		return
	}

	result, err := h.verifier.VerifyBackupCode(r.Context(), models.VerifyRequest{
		SessionRef: sessionRef(req.SessionID, req.SessionToken),
		Code:       req.BackupCode,
		Meta:       h.requestMeta(r),
	})
	if err != nil {
		h.logFailure(r, models.MethodBackupCode, err)
		writeVerificationError(w, err, models.MethodBackupCode)
		return
	}

	pkghttp.WriteSuccess(w, newVerificationData(result))
}

func (h *VerificationHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

func (h *VerificationHandler) requestMeta(r *http.Request) models.RequestMeta {
	return models.RequestMeta{
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: pkghttp.UserAgent(r),
	}
}

// logFailure logs system faults only; user errors are already audited
func (h *VerificationHandler) logFailure(r *http.Request, method string, err error) {
	kind := models.KindOf(err)
	if !kind.IsSystemFault() {
		return
	}
	h.logger.ErrorContext(r.Context(), "verification failed",
		slog.String("method", method),
		slog.String("code", string(kind)),
		slog.Any("error", err),
	)
}

// writeValidationError maps a validation failure to the message for the missing field
func writeValidationError(w http.ResponseWriter, err error, codeRequired string) {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		pkghttp.WriteBadRequest(w, "Invalid request")
		return
	}

	switch {
	case ve.Field == "sessionId" && ve.Tag == "required_without":
		pkghttp.WriteBadRequest(w, "Session token is required")
	case ve.Tag == "required":
		pkghttp.WriteBadRequest(w, codeRequired)
	default:
		pkghttp.WriteBadRequest(w, ve.Field+" "+ve.Message)
	}
}

func newVerificationData(result *models.VerificationResult) VerificationData {
	message := "Verification successful"
	if result.AlreadyVerified {
		message = "Already verified"
	}
	return VerificationData{
		Verified:       result.Verified,
		UserID:         result.UserID,
		Email:          result.Email,
		Message:        message,
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		RemainingCodes: result.RemainingCodes,
		Warning:        result.Warning,
	}
}
