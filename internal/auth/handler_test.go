package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elskow/license-portal/internal/api"
)

const reportsPath = "/api/reports"

func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	cfg := newTestConfig()
	h := NewHandler(env.svc, cfg, newTestLogger(t))
	mw := NewAuthMiddleware(cfg, env.svc, newTestLogger(t))

	r := chi.NewRouter()
	h.RegisterRoutes(r, mw)
	r.With(mw.Authenticate, mw.RequireSession).Get(reportsPath, func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMessage(w, http.StatusOK, "reports")
	})
	r.With(mw.Authenticate, mw.RequireSession, mw.RequireAdmin).Get("/api/admin/ping", func(w http.ResponseWriter, _ *http.Request) {
		api.WriteMessage(w, http.StatusOK, "pong")
	})
	return r
}

type testRequest struct {
	method      string
	path        string
	body        string
	contentType string
	token       string
	userAgent   string
	forwarded   string
}

func serve(t *testing.T, h http.Handler, tr testRequest) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(tr.method, tr.path, strings.NewReader(tr.body))
	if tr.contentType != "" {
		req.Header.Set("Content-Type", tr.contentType)
	} else if tr.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tr.token != "" {
		req.Header.Set("Authorization", "Bearer "+tr.token)
	}
	ua := tr.userAgent
	if ua == "" {
		ua = deviceA
	}
	req.Header.Set("User-Agent", ua)
	if tr.forwarded != "" {
		req.Header.Set("X-Forwarded-For", tr.forwarded)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func loginToken(t *testing.T, h http.Handler, username, password, userAgent string) string {
	t.Helper()
	rec, body := serve(t, h, testRequest{
		method:    http.MethodPost,
		path:      api.AuthLogin,
		body:      `{"username":"` + username + `","password":"` + password + `"}`,
		userAgent: userAgent,
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
	data := body["data"].(map[string]any)
	return data["token"].(string)
}

func TestHandler_ValidateLogin(t *testing.T) {
	env := newTestEnv(t)
	env.createLicensedUser(t, "alice", "correct-horse")
	expired := env.createUser(t, "bob", "correct-horse", RoleUser)
	env.grantLicense(t, expired, env.clock.Now().Add(-time.Second))
	locked := env.createLicensedUser(t, "mallory", "correct-horse")
	require.NoError(t, env.repo.LockUser(context.Background(), locked.ID, 20, env.clock.Now(), env.clock.Now().Add(15*time.Minute)))

	h := newTestRouter(t, env)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantCode    string
	}{
		{
			name:       "valid json credentials",
			body:       `{"username":"alice","password":"correct-horse"}`,
			wantStatus: http.StatusOK,
			wantCode:   "OK",
		},
		{
			name:        "valid form credentials",
			body:        "username=alice&password=correct-horse",
			contentType: "application/x-www-form-urlencoded",
			wantStatus:  http.StatusOK,
			wantCode:    "OK",
		},
		{
			name:       "wrong password",
			body:       `{"username":"alice","password":"nope"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_CREDENTIALS",
		},
		{
			name:       "unknown user",
			body:       `{"username":"ghost","password":"nope"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_CREDENTIALS",
		},
		{
			name:       "expired license",
			body:       `{"username":"bob","password":"correct-horse"}`,
			wantStatus: http.StatusForbidden,
			wantCode:   "NO_LICENSE",
		},
		{
			name:       "locked account",
			body:       `{"username":"mallory","password":"correct-horse"}`,
			wantStatus: http.StatusTooManyRequests,
			wantCode:   "ACCOUNT_LOCKED",
		},
		{
			name:       "missing password",
			body:       `{"username":"alice"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   api.CodeValidation,
		},
		{
			name:        "unsupported content type",
			body:        "<xml/>",
			contentType: "application/xml",
			wantStatus:  http.StatusBadRequest,
			wantCode:    api.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, h, testRequest{
				method:      http.MethodPost,
				path:        api.ValidateLogin,
				body:        tt.body,
				contentType: tt.contentType,
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, body["code"])
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, true, body["canLogin"])
				assert.Equal(t, DeviceHash(deviceA), body["deviceHash"])
			}
		})
	}
}

func TestHandler_LoginAndSession(t *testing.T) {
	env := newTestEnv(t)
	env.createLicensedUser(t, "alice", "correct-horse")
	h := newTestRouter(t, env)

	rec, body := serve(t, h, testRequest{
		method: http.MethodPost,
		path:   api.AuthLogin,
		body:   `{"username":"alice","password":"correct-horse"}`,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]any)
	token := data["token"].(string)
	assert.NotEmpty(t, token)
	assert.Equal(t, float64(15), data["heartbeatSeconds"])

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "portal_session", cookies[0].Name)
	assert.Equal(t, token, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)

	rec, body = serve(t, h, testRequest{method: http.MethodGet, path: api.Me, token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	profile := body["data"].(map[string]any)
	assert.Equal(t, "alice", profile["username"])
	assert.Equal(t, float64(30), profile["daysRemaining"])

	// The session cookie alone also authenticates.
	req := httptest.NewRequest(http.MethodGet, api.Me, nil)
	req.AddCookie(cookies[0])
	cookieRec := httptest.NewRecorder()
	h.ServeHTTP(cookieRec, req)
	assert.Equal(t, http.StatusOK, cookieRec.Code)

	rec, _ = serve(t, h, testRequest{method: http.MethodPost, path: api.SessionLock, token: token})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = serve(t, h, testRequest{method: http.MethodPost, path: api.AuthRefresh, token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["data"].(map[string]any)["token"])

	rec, body = serve(t, h, testRequest{
		method:    http.MethodPost,
		path:      api.AuthLogin,
		body:      `{"username":"alice","password":"correct-horse"}`,
		userAgent: deviceB,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "DEVICE_ALREADY_ACTIVE", body["code"])
}

func TestHandler_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	h := newTestRouter(t, env)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
	}{
		{name: "profile without token", method: http.MethodGet, path: api.Me},
		{name: "heartbeat without token", method: http.MethodPost, path: api.SessionLock},
		{name: "heartbeat with garbage token", method: http.MethodPost, path: api.SessionLock, token: "garbage"},
		{name: "refresh with garbage token", method: http.MethodPost, path: api.AuthRefresh, token: "garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, h, testRequest{method: tt.method, path: tt.path, token: tt.token})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, api.CodeUnauthorized, body["code"])
		})
	}
}

func TestHandler_LicenseExpiresMidSession(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "alice", "correct-horse", RoleUser)
	env.grantLicense(t, user, env.clock.Now().Add(5*time.Minute))
	h := newTestRouter(t, env)

	token := loginToken(t, h, "alice", "correct-horse", deviceA)
	env.clock.Advance(6 * time.Minute)

	rec, body := serve(t, h, testRequest{method: http.MethodGet, path: reportsPath, token: token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NO_LICENSE", body["code"])
}

func TestHandler_PasswordChangeRequired(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "frank", "old-password", RoleUser)
	env.grantLicense(t, user, env.clock.Now().Add(500*24*time.Hour))
	env.clock.Advance(400 * 24 * time.Hour)
	h := newTestRouter(t, env)

	token := loginToken(t, h, "frank", "old-password", deviceA)

	rec, body := serve(t, h, testRequest{method: http.MethodGet, path: reportsPath, token: token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.CodePasswordChangeRequired, body["code"])
	assert.Equal(t, api.ChangePassword, rec.Header().Get("Location"))

	rec, _ = serve(t, h, testRequest{method: http.MethodGet, path: api.Me, token: token})
	assert.Equal(t, http.StatusOK, rec.Code)

	env.clock.Advance(2 * time.Second)
	rec, body = serve(t, h, testRequest{
		method:      http.MethodPost,
		path:        api.ChangePassword,
		body:        "currentPassword=old-password&newPassword=new-password",
		contentType: "application/x-www-form-urlencoded",
		token:       token,
	})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, true, body["relogin"])

	// The old credential is dead after a rotation.
	rec, _ = serve(t, h, testRequest{method: http.MethodGet, path: api.Me, token: token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token = loginToken(t, h, "frank", "new-password", deviceA)
	rec, _ = serve(t, h, testRequest{method: http.MethodGet, path: reportsPath, token: token})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ChangePasswordValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createLicensedUser(t, "grace", "old-password")
	h := newTestRouter(t, env)
	token := loginToken(t, h, "grace", "old-password", deviceA)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing fields",
			body:       `{"currentPassword":"old-password"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   api.CodeValidation,
		},
		{
			name:       "too short",
			body:       `{"currentPassword":"old-password","newPassword":"123"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   api.CodeValidation,
		},
		{
			name:       "wrong current password",
			body:       `{"currentPassword":"wrong","newPassword":"new-password"}`,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "INVALID_CREDENTIALS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, h, testRequest{
				method: http.MethodPost,
				path:   api.ChangePassword,
				body:   tt.body,
				token:  token,
			})
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestHandler_Logout(t *testing.T) {
	env := newTestEnv(t)
	user := env.createLicensedUser(t, "karl", "correct-horse")
	h := newTestRouter(t, env)

	t.Run("without token", func(t *testing.T) {
		rec, _ := serve(t, h, testRequest{method: http.MethodPost, path: api.AuthLogout})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("with token releases the lock", func(t *testing.T) {
		token := loginToken(t, h, "karl", "correct-horse", deviceA)

		rec, _ := serve(t, h, testRequest{method: http.MethodPost, path: api.AuthLogout, token: token})
		assert.Equal(t, http.StatusOK, rec.Code)

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Empty(t, cookies[0].Value)
		assert.Less(t, cookies[0].MaxAge, 0)

		_, err := env.repo.GetSessionLock(context.Background(), user.ID)
		assert.ErrorIs(t, err, ErrLockNotFound)
	})
}

func TestHandler_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.createLicensedUser(t, "alice", "correct-horse")
	env.createUser(t, "root", "correct-horse", RoleAdmin)
	h := newTestRouter(t, env)

	userToken := loginToken(t, h, "alice", "correct-horse", deviceA)
	adminToken := loginToken(t, h, "root", "correct-horse", deviceA)

	rec, body := serve(t, h, testRequest{method: http.MethodGet, path: "/api/admin/ping", token: userToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, api.CodeForbidden, body["code"])

	rec, _ = serve(t, h, testRequest{method: http.MethodGet, path: "/api/admin/ping", token: adminToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ForgedForwardedForStillLocks(t *testing.T) {
	env := newFailingEnv(t, &failingRepository{columnWidths: true})
	env.createLicensedUser(t, "alice", "correct-horse")
	h := newTestRouter(t, env)

	wrong := testRequest{
		method:    http.MethodPost,
		path:      api.AuthLogin,
		body:      `{"username":"alice","password":"wrong-password"}`,
		forwarded: strings.Repeat("a", 65) + ", 10.0.0.1",
	}
	for i := 0; i < 19; i++ {
		rec, body := serve(t, h, wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code, body)
		assert.Equal(t, float64(19-i), body["attemptsRemaining"])
		env.clock.Advance(time.Second)
	}

	rec, body := serve(t, h, wrong)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, body)
	assert.Equal(t, string(CodeAccountLocked), body["code"])

	attempts, err := env.repo.ListRecentAttempts(context.Background(), 50, true)
	require.NoError(t, err)
	require.Len(t, attempts, 20)
	assert.Equal(t, "192.0.2.1", attempts[0].IPAddress, "the socket address replaces the unparsable header")
}
