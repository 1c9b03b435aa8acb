package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/api"
	"github.com/elskow/license-portal/internal/config"
)

type contextKey string

const (
	claimsContextKey  contextKey = "claims"
	sessionContextKey contextKey = "session"
)

type AuthMiddleware struct {
	config  *config.AuthConfig
	service *Service
	log     *zap.Logger
}

func NewAuthMiddleware(config *config.AuthConfig, service *Service, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config:  config,
		service: service,
		log:     log,
	}
}

// Authenticate checks only the token: signature, algorithm and expiry.
// Heartbeats and refresh run behind this alone.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := tokenFromRequest(r, m.config.CookieName)
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing token")
			return
		}

		claims, err := m.service.Tokens().Parse(raw)
		if err != nil {
			m.log.Debug("token rejected",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession re-validates the token's user against the store on every
// request. It must run after Authenticate.
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "authentication required")
			return
		}

		state, err := m.service.Authorize(r.Context(), claims)
		switch {
		case errors.Is(err, ErrSessionInvalid):
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "session is no longer valid")
			return
		case errors.Is(err, ErrNoLicense):
			api.WriteError(w, http.StatusForbidden, string(CodeNoLicense), "no active license")
			return
		case err != nil:
			m.log.Error("session check failed",
				zap.String("user_id", claims.UserID),
				zap.Error(err))
			api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal server error")
			return
		}

		if state.MustChangePassword && !api.PasswordChangeExempt[r.URL.Path] {
			w.Header().Set("Location", api.ChangePassword)
			api.WriteError(w, http.StatusForbidden, api.CodePasswordChangeRequired, "password change required")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, state)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after RequireSession.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state, ok := SessionFromContext(r.Context())
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "authentication required")
			return
		}
		if !state.User.IsAdmin() {
			api.WriteError(w, http.StatusForbidden, api.CodeForbidden, "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

func SessionFromContext(ctx context.Context) (*SessionState, bool) {
	state, ok := ctx.Value(sessionContextKey).(*SessionState)
	return state, ok
}

// tokenFromRequest prefers the Authorization header over the session cookie.
func tokenFromRequest(r *http.Request, cookieName string) (string, bool) {
	if token, ok := api.BearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if cookieName == "" {
		return "", false
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
