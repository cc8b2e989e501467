package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"circlesync/internal/config"
	"circlesync/internal/utils"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

// AdminAuthMiddleware guards the admin and integration-management
// endpoints with a static bearer token. A bcrypt hash of the token may
// be configured instead of the plaintext.
func AdminAuthMiddleware(cfg config.ServerConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.AdminToken == "" && cfg.AdminTokenHash == "" {
				// No token configured: local development, everything open.
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required", "")
				return
			}
			if !adminTokenMatches(cfg, token) {
				writeError(w, http.StatusUnauthorized, "Invalid token", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminTokenMatches checks the presented token against the configured
// hash when one is set, otherwise against the plaintext token.
func adminTokenMatches(cfg config.ServerConfig, token string) bool {
	if cfg.AdminTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.AdminTokenHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminToken)) == 1
}

// JobAuthMiddleware guards the /jobs endpoints. The push transport signs
// each delivery with an OIDC identity token whose audience must be this
// deployment's own URL, so stray POSTs from the internet cannot run jobs.
func JobAuthMiddleware(cfg config.ServerConfig) func(http.Handler) http.Handler {
	logger := utils.NewLogger("JobAuth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.ValidateJobTokens {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required", "")
				return
			}
			payload, err := idtoken.Validate(r.Context(), token, cfg.SelfURL)
			if err != nil {
				logger.Warn("Rejected job delivery: %v", err)
				writeError(w, http.StatusUnauthorized, "Invalid or expired token", "")
				return
			}
			logger.Debug("Job delivery authenticated (issuer %s)", payload.Issuer)
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the bearer token from the Authorization header
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
