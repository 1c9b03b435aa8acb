package api

// Portal HTTP routes
const (
	ValidateLogin = "/api/validate-login"

	AuthLogin   = "/api/auth/login"
	AuthLogout  = "/api/auth/logout"
	AuthRefresh = "/api/auth/refresh"

	// SessionLock receives client heartbeats.
	SessionLock    = "/api/session-lock"
	Me             = "/api/me"
	ChangePassword = "/api/user/change-password"

	AdminUsers      = "/api/admin/users"
	AdminLicenses   = "/api/admin/licenses"
	AdminUnlockUser = "/api/admin/unlock-user"
	AdminLogs       = "/api/admin/logs"

	Healthz = "/healthz"
	Readyz  = "/readyz"
)

// PasswordChangeExempt lists protected routes that stay reachable while the
// caller still has to rotate their password.
var PasswordChangeExempt = map[string]bool{
	ChangePassword: true,
	Me:             true,
	AuthLogout:     true,
	AuthRefresh:    true,
	SessionLock:    true,
}
