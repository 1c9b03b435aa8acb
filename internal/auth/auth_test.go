package auth

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/license-portal/internal/config"
)

const (
	deviceA = "Mozilla/5.0 (Windows NT 10.0) DeviceA"
	deviceB = "Mozilla/5.0 (Macintosh) DeviceB"
)

type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return logger
}

func newTestConfig() *config.AuthConfig {
	return &config.AuthConfig{
		JWTSecret:       "test-secret-key",
		TokenExpiration: 10 * time.Minute,
		CookieName:      "portal_session",
		BcryptCost:      bcrypt.MinCost,
	}
}

type testEnv struct {
	svc   *Service
	repo  *mockRepository
	clock *testClock
	reg   *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	repo := newMockRepository()
	clock := newTestClock()
	reg := prometheus.NewRegistry()

	svc := NewService(newTestConfig(), config.DefaultPolicy(), newTestLogger(t), repo, NewMetrics(reg))
	svc.now = clock.Now

	return &testEnv{svc: svc, repo: repo, clock: clock, reg: reg}
}

// createUser stores a user created at the current clock time, with no license.
func (e *testEnv) createUser(t *testing.T, username, password string, role Role) *User {
	hash, err := e.svc.HashPassword(password)
	require.NoError(t, err)

	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    e.clock.Now(),
	}
	require.NoError(t, e.repo.CreateUserWithLicense(context.Background(), user, nil))
	return user
}

func (e *testEnv) grantLicense(t *testing.T, user *User, end time.Time) {
	_, err := e.repo.ExtendOrCreateLicense(context.Background(), user.ID, end, e.clock.Now())
	require.NoError(t, err)
}

// createLicensedUser stores a USER with a license ending in 30 days.
func (e *testEnv) createLicensedUser(t *testing.T, username, password string) *User {
	user := e.createUser(t, username, password, RoleUser)
	e.grantLicense(t, user, e.clock.Now().Add(30*24*time.Hour))
	return user
}

func (e *testEnv) login(username, password, userAgent string) *Decision {
	return e.svc.EvaluateLogin(context.Background(), LoginRequest{
		Username: username,
		Password: password,
		Meta:     RequestMeta{IPAddress: "10.0.0.1", UserAgent: userAgent},
	}, ModeIssue)
}

func (e *testEnv) validate(username, password, userAgent string) *Decision {
	return e.svc.EvaluateLogin(context.Background(), LoginRequest{
		Username: username,
		Password: password,
		Meta:     RequestMeta{IPAddress: "10.0.0.1", UserAgent: userAgent},
	}, ModeValidate)
}

// reload returns the stored state of user.
func (e *testEnv) reload(t *testing.T, user *User) *User {
	u, err := e.repo.GetUserByID(context.Background(), user.ID)
	require.NoError(t, err)
	return u
}
