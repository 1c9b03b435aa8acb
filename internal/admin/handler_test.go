package admin

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
	"github.com/elskow/license-portal/internal/auth"
	"github.com/elskow/license-portal/internal/config"
)

const browser = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

type testServer struct {
	env     *testEnv
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T) *testServer {
	env := newTestEnv(t)
	cfg := &config.AuthConfig{
		JWTSecret:       "test-secret-key",
		TokenExpiration: 10 * time.Minute,
		CookieName:      "portal_session",
	}
	mw := auth.NewAuthMiddleware(cfg, env.auth, newTestLogger(t))

	r := chi.NewRouter()
	auth.NewHandler(env.auth, cfg, newTestLogger(t)).RegisterRoutes(r, mw)
	NewHandler(env.admin, newTestLogger(t)).RegisterRoutes(r, mw)

	_, err := env.admin.CreateAdmin(context.Background(), "root", "admin-secret", "")
	require.NoError(t, err)

	ts := &testServer{env: env, handler: r}
	ts.token = ts.login(t, "root", "admin-secret")
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, contentType, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType == "" && body != "" {
		contentType = "application/json"
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", browser)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	rec, body := ts.do(t, http.MethodPost, api.AuthLogin,
		`{"username":"`+username+`","password":"`+password+`"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code, body)
	return body["data"].(map[string]any)["token"].(string)
}

func (ts *testServer) userID(t *testing.T, username string) string {
	t.Helper()
	u, err := ts.env.repo.GetUserByUsername(context.Background(), username)
	require.NoError(t, err)
	return u.ID.String()
}

func TestHandler_RequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.env.admin.CreateUser(context.Background(), CreateUserInput{Username: "alice", Password: "secret1"})
	require.NoError(t, err)
	userToken := ts.login(t, "alice", "secret1")

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "regular user", token: userToken, wantStatus: http.StatusForbidden},
		{name: "administrator", token: ts.token, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := ts.do(t, http.MethodGet, api.AdminUsers, "", "", tt.token)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_CreateUser(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantDays    int
	}{
		{
			name:       "json with duration",
			body:       `{"username":"alice","password":"secret1","email":"alice@example.com","durationDays":"30"}`,
			wantStatus: http.StatusCreated,
			wantDays:   30,
		},
		{
			name:       "json with numeric duration",
			body:       `{"username":"bob","password":"secret1","durationDays":45}`,
			wantStatus: http.StatusCreated,
			wantDays:   45,
		},
		{
			name:        "form without duration",
			body:        "username=carol&password=secret1",
			contentType: "application/x-www-form-urlencoded",
			wantStatus:  http.StatusCreated,
			wantDays:    365,
		},
		{
			name:        "unparseable duration falls back to default",
			body:        "username=dave&password=secret1&durationDays=abc",
			contentType: "application/x-www-form-urlencoded",
			wantStatus:  http.StatusCreated,
			wantDays:    365,
		},
		{
			name:       "duplicate username",
			body:       `{"username":"alice","password":"secret2"}`,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "short password",
			body:       `{"username":"erin","password":"123"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{"username":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.do(t, http.MethodPost, api.AdminUsers, tt.body, tt.contentType, ts.token)
			require.Equal(t, tt.wantStatus, rec.Code, body)
			if tt.wantStatus != http.StatusCreated {
				assert.Equal(t, "error", body["status"])
				return
			}
			data := body["data"].(map[string]any)
			assert.Equal(t, float64(tt.wantDays), data["daysRemaining"])
			assert.Equal(t, string(auth.RoleUser), data["role"])
		})
	}
}

func TestHandler_SetLicense(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.env.admin.CreateUser(context.Background(), CreateUserInput{Username: "alice", Password: "secret1", DurationDays: 1})
	require.NoError(t, err)
	id := ts.userID(t, "alice")

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "patch extends", method: http.MethodPatch, body: `{"userId":"` + id + `","durationDays":"90"}`, wantStatus: http.StatusOK},
		{name: "post extends", method: http.MethodPost, body: `{"userId":"` + id + `"}`, wantStatus: http.StatusOK},
		{name: "missing user id", method: http.MethodPatch, body: `{"durationDays":"90"}`, wantStatus: http.StatusBadRequest},
		{name: "invalid user id", method: http.MethodPatch, body: `{"userId":"42"}`, wantStatus: http.StatusBadRequest},
		{name: "unknown user", method: http.MethodPatch, body: `{"userId":"6f1c1a9e-8f4e-4a57-9d0c-2a7f4b1d3e55"}`, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.do(t, tt.method, api.AdminLicenses, tt.body, "", ts.token)
			require.Equal(t, tt.wantStatus, rec.Code, body)
			if tt.wantStatus == http.StatusOK {
				data := body["data"].(map[string]any)
				assert.Equal(t, id, data["userId"])
				assert.Equal(t, true, data["isActive"])
			}
		})
	}

	users, err := ts.env.admin.ListUsers(context.Background())
	require.NoError(t, err)
	for _, u := range users {
		if u.Username == "alice" {
			assert.Equal(t, 365, u.DaysRemaining, "the last call applied the default period")
		}
	}
}

func TestHandler_UnlockUser(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.env.admin.CreateUser(context.Background(), CreateUserInput{Username: "alice", Password: "secret1"})
	require.NoError(t, err)
	alice, err := ts.env.repo.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ts.do(t, http.MethodPost, api.AuthLogin, `{"username":"alice","password":"typo"}`, "", "")
	}
	rec, _ := ts.do(t, http.MethodPost, api.ValidateLogin, `{"username":"alice","password":"secret1"}`, "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, body := ts.do(t, http.MethodPost, api.AdminUnlockUser, `{"userId":"`+alice.ID.String()+`"}`, "", ts.token)
	require.Equal(t, http.StatusOK, rec.Code, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["isLocked"])
	assert.Equal(t, float64(0), data["failedLoginCount"])
	assert.Nil(t, data["lockedUntil"])

	rec, body = ts.do(t, http.MethodPost, api.AuthLogin, `{"username":"alice","password":"typo"}`, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code, body)
	assert.Equal(t, float64(19), body["attemptsRemaining"])

	rec, _ = ts.do(t, http.MethodPost, api.ValidateLogin, `{"username":"alice","password":"secret1"}`, "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_DeleteUser(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.env.admin.CreateUser(context.Background(), CreateUserInput{Username: "alice", Password: "secret1"})
	require.NoError(t, err)
	id := ts.userID(t, "alice")

	rec, _ := ts.do(t, http.MethodDelete, api.AdminUsers+"?id="+id, "", "", ts.token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, api.AdminUsers, `{"userId":"`+id+`"}`, "", ts.token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = ts.do(t, http.MethodDelete, api.AdminUsers, "", "", ts.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Logs(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := ts.do(t, http.MethodPost, api.ValidateLogin, `{"username":"ghost","password":"nope"}`, "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := ts.do(t, http.MethodGet, api.AdminLogs+"?limit=10", "", "", ts.token)
	require.Equal(t, http.StatusOK, rec.Code, body)

	data := body["data"].(map[string]any)
	attempts := data["failedAttempts"].([]any)
	require.Len(t, attempts, 1)
	assert.Equal(t, "ghost", attempts[0].(map[string]any)["username"])

	audits := data["audits"].([]any)
	require.Len(t, audits, 1, "the administrator login")
	assert.Equal(t, string(auth.AuditLoginSuccess), audits[0].(map[string]any)["action"])
}
