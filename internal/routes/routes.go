package routes

import (
	"net/http"

	"github.com/BradenHooton/twofa/internal/auth"
	"github.com/BradenHooton/twofa/internal/handlers"
	"github.com/BradenHooton/twofa/internal/middleware"
	pkghttp "github.com/BradenHooton/twofa/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	verificationHandler *handlers.VerificationHandler,
	auditHandler *handlers.AuditHandler,
	healthHandler *handlers.HealthHandler,
	tokenValidator auth.TokenValidator,
	rateLimitConfig middleware.RateLimitConfig,
) {
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteMethodNotAllowed(w)
	})
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteNotFound(w, "Not found")
	})

	// Second-factor verification, public and rate limited by client IP
	router.Route("/auth/2fa", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(rateLimitConfig))
		r.Post("/verify", verificationHandler.VerifyCode)
		r.Post("/verify-backup-code", verificationHandler.VerifyBackupCode)

		// Caller's own history, requires an access token minted after verification
		r.With(auth.AuthMiddleware(tokenValidator)).Get("/history", auditHandler.GetHistory)
	})

	router.Get("/health", healthHandler.Health)
	router.Handle("/metrics", promhttp.Handler())
}
