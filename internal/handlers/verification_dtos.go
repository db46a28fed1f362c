package handlers

// VerifyCodeRequest is the body of POST /auth/2fa/verify.
// SessionToken is accepted from clients that predate session ids.
type VerifyCodeRequest struct {
	SessionID    string `json:"sessionId" validate:"required_without=SessionToken,max=128"`
	SessionToken string `json:"sessionToken" validate:"max=256"`
	Code         string `json:"code" validate:"required,max=32"`
}

// VerifyBackupCodeRequest is the body of POST /auth/2fa/verify-backup-code
type VerifyBackupCodeRequest struct {
	SessionID    string `json:"sessionId" validate:"required_without=SessionToken,max=128"`
	SessionToken string `json:"sessionToken" validate:"max=256"`
	BackupCode   string `json:"backupCode" validate:"required,max=32"`
}

// VerificationData is the success payload
type VerificationData struct {
	Verified       bool   `json:"verified"`
	UserID         string `json:"userId"`
	Email          string `json:"email,omitempty"`
	Message        string `json:"message"`
	AccessToken    string `json:"accessToken"`
	RefreshToken   string `json:"refreshToken"`
	RemainingCodes *int   `json:"remainingCodes,omitempty"`
	Warning        string `json:"warning,omitempty"`
}

func sessionRef(id, token string) string {
	if id != "" {
		return id
	}
	return token
}
