package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/api"
	"github.com/elskow/license-portal/internal/config"
)

type Handler struct {
	service *Service
	config  *config.AuthConfig
	log     *zap.Logger
}

func NewHandler(service *Service, config *config.AuthConfig, log *zap.Logger) *Handler {
	return &Handler{
		service: service,
		config:  config,
		log:     log,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type sessionUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

type loginResponse struct {
	Token              string      `json:"token"`
	ExpiresAt          time.Time   `json:"expiresAt"`
	User               sessionUser `json:"user"`
	MustChangePassword bool        `json:"mustChangePassword"`
	LicenseValid       bool        `json:"licenseValid"`
	HeartbeatSeconds   int         `json:"heartbeatSeconds"`
}

// RegisterRoutes mounts the login, session and password routes on r.
func (h *Handler) RegisterRoutes(r chi.Router, mw *AuthMiddleware) {
	r.Post(api.ValidateLogin, h.ValidateLogin)
	r.Post(api.AuthLogin, h.Login)
	r.Post(api.AuthLogout, h.Logout)

	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate)
		r.Post(api.SessionLock, h.Heartbeat)
		r.Post(api.AuthRefresh, h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireSession)
			r.Get(api.Me, h.Me)
			r.Post(api.ChangePassword, h.ChangePassword)
		})
	})
}

func (h *Handler) ValidateLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	decision := h.service.EvaluateLogin(r.Context(), req, ModeValidate)
	if !decision.OK() {
		writeDecisionError(w, decision)
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"code":               decision.Code,
		"canLogin":           true,
		"deviceHash":         decision.DeviceHash,
		"mustChangePassword": decision.MustChangePassword,
	})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	decision := h.service.EvaluateLogin(r.Context(), req, ModeIssue)
	if !decision.OK() {
		writeDecisionError(w, decision)
		return
	}

	h.setSessionCookie(w, decision.Token)
	api.WriteSuccess(w, http.StatusOK, loginResponse{
		Token:     decision.Token.Token,
		ExpiresAt: decision.Token.ExpiresAt,
		User: sessionUser{
			ID:       decision.UserID,
			Username: decision.Username,
			Role:     decision.Role,
		},
		MustChangePassword: decision.MustChangePassword,
		LicenseValid:       decision.LicenseValid,
		HeartbeatSeconds:   int(h.service.Policy().HeartbeatInterval.Seconds()),
	})
}

// Logout always succeeds. A valid token, if any, releases the caller's lock.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if raw, ok := tokenFromRequest(r, h.config.CookieName); ok {
		if claims, err := h.service.Tokens().Parse(raw); err == nil {
			if userID, err := uuid.Parse(claims.UserID); err == nil {
				h.service.Logout(r.Context(), userID, requestMeta(r))
			}
		}
	}

	h.clearSessionCookie(w)
	api.WriteMessage(w, http.StatusOK, "logged out")
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid token")
		return
	}

	h.service.Heartbeat(r.Context(), userID)
	api.WriteMessage(w, http.StatusOK, "ok")
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	token, state, err := h.service.Renew(r.Context(), claims)
	switch {
	case errors.Is(err, ErrSessionInvalid):
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "session is no longer valid")
		return
	case errors.Is(err, ErrNoLicense):
		api.WriteError(w, http.StatusForbidden, string(CodeNoLicense), "no active license")
		return
	case err != nil:
		h.log.Error("token refresh failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal server error")
		return
	}

	h.setSessionCookie(w, token)
	api.WriteSuccess(w, http.StatusOK, loginResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		User: sessionUser{
			ID:       state.User.ID.String(),
			Username: state.User.Username,
			Role:     state.User.Role,
		},
		MustChangePassword: state.MustChangePassword,
		LicenseValid:       state.LicenseValid,
		HeartbeatSeconds:   int(h.service.Policy().HeartbeatInterval.Seconds()),
	})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	state, _ := SessionFromContext(r.Context())

	profile, err := h.service.Profile(r.Context(), state)
	if err != nil {
		h.log.Error("failed to load profile",
			zap.String("user_id", state.User.ID.String()),
			zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal server error")
		return
	}
	api.WriteSuccess(w, http.StatusOK, profile)
}

// ChangePassword ends the current session on success; the client logs in
// again with the new password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	state, _ := SessionFromContext(r.Context())

	var req changePasswordRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, "current and new password are required")
		return
	}

	err := h.service.ChangePassword(r.Context(), state.User.ID, req.CurrentPassword, req.NewPassword, requestMeta(r))
	switch {
	case errors.Is(err, ErrPasswordTooShort):
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return
	case errors.Is(err, ErrInvalidCurrentPassword):
		api.WriteError(w, http.StatusUnauthorized, string(CodeInvalidCredentials), err.Error())
		return
	case errors.Is(err, ErrUserNotFound):
		api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "session is no longer valid")
		return
	case err != nil:
		h.log.Error("password change failed",
			zap.String("user_id", state.User.ID.String()),
			zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal server error")
		return
	}

	h.clearSessionCookie(w)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "password changed, log in again",
		"relogin": true,
	})
}

func (h *Handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (LoginRequest, bool) {
	var body credentialsRequest
	if err := api.Decode(r, &body); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return LoginRequest{}, false
	}

	username := strings.TrimSpace(body.Username)
	if username == "" || body.Password == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, "username and password are required")
		return LoginRequest{}, false
	}

	return LoginRequest{
		Username: username,
		Password: body.Password,
		Meta:     requestMeta(r),
	}, true
}

func writeDecisionError(w http.ResponseWriter, d *Decision) {
	body := map[string]any{
		"status":  "error",
		"code":    d.Code,
		"message": d.Message,
	}
	if d.AttemptsRemaining > 0 {
		body["attemptsRemaining"] = d.AttemptsRemaining
	}
	if d.LockedUntil != nil {
		body["lockedUntil"] = d.LockedUntil.UTC()
	}
	api.WriteJSON(w, d.Code.HTTPStatus(), body)
}

func requestMeta(r *http.Request) RequestMeta {
	return RequestMeta{
		IPAddress: api.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, token *IssuedToken) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    token.Token,
		Path:     "/",
		Expires:  token.ExpiresAt,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
