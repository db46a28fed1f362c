package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BradenHooton/twofa/internal/models"
)

// IdentityProvider converts a verified second factor into tokens. It returns
// an error wrapping models.ErrIdentityRejected when it refuses the user.
type IdentityProvider interface {
	MintTokens(ctx context.Context, userID string, hc models.HandoffContext) (*models.TokenPair, error)
}

// TokenHandoff calls the identity provider for a verified session. A
// failure here never rolls back the verified state.
type TokenHandoff struct {
	provider IdentityProvider
	logger   *slog.Logger
}

// NewTokenHandoff creates a new TokenHandoff
func NewTokenHandoff(provider IdentityProvider, logger *slog.Logger) *TokenHandoff {
	return &TokenHandoff{
		provider: provider,
		logger:   logger,
	}
}

// Mint requests tokens for the session's user
func (h *TokenHandoff) Mint(ctx context.Context, s *models.VerificationSession, method string) (*models.TokenPair, error) {
	hc := models.HandoffContext{
		SessionID:           s.ID,
		EncryptedCredential: s.EncryptedCredential,
		Method:              method,
	}
	if s.Email != nil {
		hc.Email = *s.Email
	}

	pair, err := h.provider.MintTokens(ctx, s.UserID, hc)
	if err != nil {
		kind := models.KindSessionCreationFailed
		if errors.Is(err, models.ErrIdentityRejected) {
			kind = models.KindAuthenticationFailed
		}
		h.logger.ErrorContext(ctx, "token handoff failed",
			slog.String("session_id", s.ID),
			slog.String("user_id", s.UserID),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		verr := models.NewVerificationError(kind, err)
		verr.Verified = true
		return nil, verr
	}
	return pair, nil
}
