package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/api"
	"github.com/elskow/license-portal/internal/auth"
)

type Handler struct {
	service *Service
	log     *zap.Logger
}

func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log,
	}
}

type createUserRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	Email        string `json:"email"`
	DurationDays string `json:"durationDays"`
}

type licenseRequest struct {
	UserID       string `json:"userId"`
	DurationDays string `json:"durationDays"`
}

type userIDRequest struct {
	UserID string `json:"userId"`
}

// RegisterRoutes mounts the administrator routes. Every one of them requires
// a valid session of an ADMIN user.
func (h *Handler) RegisterRoutes(r chi.Router, mw *auth.AuthMiddleware) {
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate, mw.RequireSession, mw.RequireAdmin)

		r.Get(api.AdminUsers, h.ListUsers)
		r.Post(api.AdminUsers, h.CreateUser)
		r.Delete(api.AdminUsers, h.DeleteUser)
		r.Patch(api.AdminLicenses, h.SetLicense)
		r.Post(api.AdminLicenses, h.SetLicense)
		r.Post(api.AdminUnlockUser, h.UnlockUser)
		r.Get(api.AdminLogs, h.Logs)
	})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.writeServiceError(w, "list users", err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, users)
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return
	}

	user, err := h.service.CreateUser(r.Context(), CreateUserInput{
		Username:     req.Username,
		Password:     strings.TrimSpace(req.Password),
		Email:        req.Email,
		DurationDays: parseDays(req.DurationDays),
	})
	if err != nil {
		h.writeServiceError(w, "create user", err)
		return
	}
	api.WriteSuccess(w, http.StatusCreated, user)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		var req userIDRequest
		if err := api.Decode(r, &req); err == nil {
			raw = req.UserID
		}
	}

	id, ok := parseUserID(w, raw)
	if !ok {
		return
	}
	if err := h.service.DeleteUser(r.Context(), id); err != nil {
		h.writeServiceError(w, "delete user", err)
		return
	}
	api.WriteMessage(w, http.StatusOK, "user deleted")
}

func (h *Handler) SetLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return
	}

	id, ok := parseUserID(w, req.UserID)
	if !ok {
		return
	}
	license, err := h.service.SetLicenseDuration(r.Context(), id, parseDays(req.DurationDays))
	if err != nil {
		h.writeServiceError(w, "set license", err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, map[string]any{
		"userId":    license.UserID.String(),
		"startDate": license.StartDate,
		"endDate":   license.EndDate,
		"isActive":  license.IsActive,
	})
}

func (h *Handler) UnlockUser(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if err := api.Decode(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
		return
	}

	id, ok := parseUserID(w, req.UserID)
	if !ok {
		return
	}
	state, err := h.service.UnlockUser(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "unlock user", err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, state)
}

func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	logs, err := h.service.Logs(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, "list logs", err)
		return
	}
	api.WriteSuccess(w, http.StatusOK, logs)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, err.Error())
	case errors.Is(err, auth.ErrUserExists):
		api.WriteError(w, http.StatusConflict, api.CodeConflict, "username already exists")
	case errors.Is(err, auth.ErrUserNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, "user not found")
	default:
		h.log.Error("admin operation failed",
			zap.String("operation", operation),
			zap.Error(err))
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "internal server error")
	}
}

func parseUserID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, "userId is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeValidation, "userId is not a valid id")
		return uuid.Nil, false
	}
	return id, true
}

// parseDays returns 0 for anything that is not a positive integer; the
// service then applies the default period.
func parseDays(raw string) int {
	days, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || days <= 0 {
		return 0
	}
	return days
}
