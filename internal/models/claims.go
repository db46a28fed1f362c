package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the JWT claims minted after a verified second factor.
type TokenClaims struct {
	Type      string   `json:"type"`
	UserID    string   `json:"user_id"`
	Email     string   `json:"email,omitempty"`
	AMR       []string `json:"amr,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}
