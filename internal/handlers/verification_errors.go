package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/BradenHooton/twofa/internal/models"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
)

type errorMapping struct {
	status  int
	message string
}

var verificationErrors = map[models.ErrorKind]errorMapping{
	models.KindInvalidRequest:        {http.StatusBadRequest, "Invalid request"},
	models.KindInvalidCodeFormat:     {http.StatusBadRequest, "Invalid code format. Must be 6 digits."},
	models.KindInvalidSession:        {http.StatusUnauthorized, "Invalid or expired session"},
	models.KindSessionExpired:        {http.StatusUnauthorized, "Session expired. Please log in again."},
	models.KindAccountLocked:         {http.StatusTooManyRequests, "Too many failed attempts. Please try again later."},
	models.KindInvalidCode:           {http.StatusBadRequest, "Invalid verification code. Please try again."},
	models.KindNoBackupCodes:         {http.StatusBadRequest, "No backup codes available. Please contact support."},
	models.KindConfigError:           {http.StatusInternalServerError, "2FA configuration error"},
	models.KindDecryptionFailed:      {http.StatusInternalServerError, "Failed to decrypt 2FA secret"},
	models.KindAuthenticationFailed:  {http.StatusBadGateway, "Authentication failed"},
	models.KindSessionCreationFailed: {http.StatusBadGateway, "Failed to create session"},
	models.KindInternalError:         {http.StatusInternalServerError, "Internal server error"},
}

// Backup code endpoint wording where it differs
var backupCodeMessages = map[models.ErrorKind]string{
	models.KindInvalidCodeFormat: "Invalid backup code format. Expected format: XXXX-XXXXXX",
	models.KindInvalidCode:       "Invalid backup code. Please try again.",
}

// writeVerificationError renders a service error in the failure envelope
func writeVerificationError(w http.ResponseWriter, err error, method string) {
	kind := models.KindOf(err)
	mapping, ok := verificationErrors[kind]
	if !ok {
		kind = models.KindInternalError
		mapping = verificationErrors[kind]
	}

	message := mapping.message
	if method == models.MethodBackupCode {
		if m, ok := backupCodeMessages[kind]; ok {
			message = m
		}
	}

	resp := pkghttp.ErrorResponse{Code: string(kind), Error: message}

	var ve *models.VerificationError
	if errors.As(err, &ve) {
		resp.RemainingAttempts = ve.RemainingAttempts
		resp.RetryAfter = ve.RetryAfterSeconds
		if kind == models.KindAccountLocked {
			resp.Error = lockedMessage(ve)
		}
	}

	if resp.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*resp.RetryAfter))
	}
	pkghttp.WriteErrorResponse(w, mapping.status, resp)
}

// lockedMessage distinguishes the request that triggered the lock from
// later requests against a locked session
func lockedMessage(ve *models.VerificationError) string {
	if ve.RemainingAttempts != nil && *ve.RemainingAttempts == 0 && ve.RetryAfterSeconds != nil {
		return fmt.Sprintf("Too many failed attempts. Account locked for %d minutes.", minutesCeil(*ve.RetryAfterSeconds))
	}
	if ve.RetryAfterSeconds != nil {
		return fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", minutesCeil(*ve.RetryAfterSeconds))
	}
	return verificationErrors[models.KindAccountLocked].message
}

func minutesCeil(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}
