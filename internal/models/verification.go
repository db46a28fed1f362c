package models

// RequestMeta is the network metadata of the caller, recorded in audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// VerifyRequest is a second-factor presentation against a session.
// SessionRef may be a current session id or a legacy session token.
type VerifyRequest struct {
	SessionRef string
	Code       string
	Meta       RequestMeta
}

// VerificationResult is the success outcome of a verification.
type VerificationResult struct {
	Verified     bool
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string

	// AlreadyVerified is true when the session had been verified by an
	// earlier request and the code was not re-checked.
	AlreadyVerified bool

	// RemainingCodes is set by backup code verification only.
	RemainingCodes *int
	Warning        string
}

// TokenPair is what the identity provider hands back for a verified user.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// HandoffContext carries what the identity provider may need to mint tokens.
type HandoffContext struct {
	SessionID           string
	Email               string
	EncryptedCredential []byte
	Method              string
}
