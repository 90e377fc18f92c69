package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminTokenHeader is the shared-secret header gating the pairing
// approve/reject endpoints, the narrowest possible stand-in for the
// external admin console's own session system — the same kind of
// deliberately-minimal header-based trust the teacher's dev-mode
// X-Tenant-Slug fallback applies to non-core-critical paths.
const AdminTokenHeader = "X-Admin-Token"

// AdminAuthenticator checks the X-Admin-Token header against a configured
// token or bcrypt hash.
type AdminAuthenticator struct {
	token string // compared with crypto/subtle when set
	hash  []byte // compared with bcrypt when set, takes precedence over token
	log   *slog.Logger
}

// NewAdminAuthenticator builds an authenticator from a plaintext token. Use
// NewAdminAuthenticatorFromHash instead when the token is stored hashed.
func NewAdminAuthenticator(token string, logger *slog.Logger) *AdminAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuthenticator{token: token, log: logger}
}

// NewAdminAuthenticatorFromHash builds an authenticator from a bcrypt hash
// of the admin token, mirroring the teacher's bcrypt use for admin
// credential storage in internal/auth/oidcadmin.go.
func NewAdminAuthenticatorFromHash(hash []byte, logger *slog.Logger) *AdminAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuthenticator{hash: hash, log: logger}
}

// Check reports whether candidate matches the configured admin credential.
func (a *AdminAuthenticator) Check(candidate string) bool {
	if candidate == "" {
		return false
	}
	if len(a.hash) > 0 {
		return bcrypt.CompareHashAndPassword(a.hash, []byte(candidate)) == nil
	}
	if a.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(candidate)) == 1
}

// Middleware rejects requests that don't carry a valid X-Admin-Token header.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidate := strings.TrimSpace(r.Header.Get(AdminTokenHeader))
		if !a.Check(candidate) {
			a.log.Warn("rejected admin request: invalid or missing admin token", "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"ERR_MISSING_AUTH","message":"missing or invalid admin token"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
