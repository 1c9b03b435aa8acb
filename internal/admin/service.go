package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elskow/license-portal/internal/auth"
)

var ErrInvalidInput = errors.New("invalid input")

const defaultLogLimit = 100

type passwordHasher interface {
	HashPassword(password string) (string, error)
}

// Service holds the administrator operations on accounts and licenses.
type Service struct {
	repository         auth.Repository
	hasher             passwordHasher
	minPasswordLength  int
	defaultLicenseDays int
	log                *zap.Logger
	now                func() time.Time
}

func NewService(repo auth.Repository, authService *auth.Service, log *zap.Logger) *Service {
	policy := authService.Policy()
	return &Service{
		repository:         repo,
		hasher:             authService,
		minPasswordLength:  policy.MinPasswordLength,
		defaultLicenseDays: policy.DefaultLicenseDays,
		log:                log,
		now:                time.Now,
	}
}

type CreateUserInput struct {
	Username     string
	Password     string
	Email        string
	DurationDays int
	Role         auth.Role
}

type UserView struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              *string    `json:"email,omitempty"`
	Role               auth.Role  `json:"role"`
	IsLocked           bool       `json:"isLocked"`
	LockedUntil        *time.Time `json:"lockedUntil,omitempty"`
	FailedLoginCount   int        `json:"failedLoginCount"`
	MustChangePassword bool       `json:"mustChangePassword"`
	DaysRemaining      int        `json:"daysRemaining"`
	LicenseEndsAt      *time.Time `json:"licenseEndsAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// LockState is the lockout fields of a user after an unlock.
type LockState struct {
	UserID            string     `json:"userId"`
	IsLocked          bool       `json:"isLocked"`
	LockedUntil       *time.Time `json:"lockedUntil"`
	FailedLoginCount  int        `json:"failedLoginCount"`
	LastFailedLoginAt *time.Time `json:"lastFailedLoginAt"`
}

type LogEntry struct {
	Kind       string    `json:"kind"`
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	Action     string    `json:"action"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	DeviceHash string    `json:"deviceHash,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Logs struct {
	Audits         []LogEntry `json:"audits"`
	FailedAttempts []LogEntry `json:"failedAttempts"`
}

func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*UserView, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}
	if len(in.Password) < s.minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, s.minPasswordLength)
	}

	role := in.Role
	if role == "" {
		role = auth.RoleUser
	}

	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	user := &auth.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
	}
	if email := strings.TrimSpace(in.Email); email != "" {
		user.Email = &email
	}
	license := &auth.License{
		StartDate: now,
		EndDate:   now.AddDate(0, 0, s.licenseDays(in.DurationDays)),
		IsActive:  true,
	}

	if err := s.repository.CreateUserWithLicense(ctx, user, license); err != nil {
		return nil, err
	}

	s.log.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username),
		zap.String("role", string(role)),
		zap.Time("license_end", license.EndDate))

	user.Licenses = []auth.License{*license}
	return s.view(user, now), nil
}

// CreateAdmin creates an administrator with the default license period.
func (s *Service) CreateAdmin(ctx context.Context, username, password, email string) (*UserView, error) {
	return s.CreateUser(ctx, CreateUserInput{
		Username: username,
		Password: password,
		Email:    email,
		Role:     auth.RoleAdmin,
	})
}

func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if err := s.repository.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.log.Info("user deleted", zap.String("user_id", id.String()))
	return nil
}

// UnlockUser clears every lockout field regardless of lockedUntil. Failures
// recorded before the unlock stop counting toward the next lock.
func (s *Service) UnlockUser(ctx context.Context, id uuid.UUID) (*LockState, error) {
	user, err := s.repository.ClearLockout(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("user unlocked", zap.String("user_id", id.String()))

	return &LockState{
		UserID:            user.ID.String(),
		IsLocked:          user.IsLocked,
		LockedUntil:       user.LockedUntil,
		FailedLoginCount:  user.FailedLoginCount,
		LastFailedLoginAt: user.LastFailedLoginAt,
	}, nil
}

// SetLicenseDuration moves the end of the user's active license to now plus
// days, creating one when there is none.
func (s *Service) SetLicenseDuration(ctx context.Context, id uuid.UUID, days int) (*auth.License, error) {
	now := s.now()
	endDate := now.AddDate(0, 0, s.licenseDays(days))

	license, err := s.repository.ExtendOrCreateLicense(ctx, id, endDate, now)
	if err != nil {
		return nil, err
	}
	s.log.Info("license updated",
		zap.String("user_id", id.String()),
		zap.Time("end_date", license.EndDate))
	return license, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]UserView, error) {
	users, err := s.repository.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]UserView, 0, len(users))
	for i := range users {
		views = append(views, *s.view(&users[i], now))
	}
	return views, nil
}

func (s *Service) Logs(ctx context.Context, limit int) (*Logs, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultLogLimit
	}

	audits, err := s.repository.ListRecentAudits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	attempts, err := s.repository.ListRecentAttempts(ctx, limit, true)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	logs := &Logs{
		Audits:         make([]LogEntry, 0, len(audits)),
		FailedAttempts: make([]LogEntry, 0, len(attempts)),
	}
	for _, a := range audits {
		logs.Audits = append(logs.Audits, LogEntry{
			Kind:       "audit",
			UserID:     a.UserID.String(),
			Action:     string(a.Action),
			IPAddress:  a.IPAddress,
			UserAgent:  a.UserAgent,
			DeviceHash: a.DeviceHash,
			CreatedAt:  a.CreatedAt,
		})
	}
	for _, a := range attempts {
		entry := LogEntry{
			Kind:       "attempt",
			Username:   a.Username,
			Action:     string(a.FailReason),
			IPAddress:  a.IPAddress,
			UserAgent:  a.UserAgent,
			DeviceHash: a.DeviceHash,
			CreatedAt:  a.CreatedAt,
		}
		if a.UserID != nil {
			entry.UserID = a.UserID.String()
		}
		logs.FailedAttempts = append(logs.FailedAttempts, entry)
	}
	return logs, nil
}

// ResetAttempts deletes the whole login attempt history. Rolling lockout
// windows start over for every account.
func (s *Service) ResetAttempts(ctx context.Context) (int64, error) {
	n, err := s.repository.DeleteAllAttempts(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Warn("login attempts reset", zap.Int64("deleted", n))
	return n, nil
}

func (s *Service) licenseDays(days int) int {
	if days <= 0 {
		return s.defaultLicenseDays
	}
	return days
}

func (s *Service) view(u *auth.User, now time.Time) *UserView {
	v := &UserView{
		ID:                 u.ID.String(),
		Username:           u.Username,
		Email:              u.Email,
		Role:               u.Role,
		IsLocked:           u.IsLocked && u.LockedUntil != nil && now.Before(*u.LockedUntil),
		LockedUntil:        u.LockedUntil,
		FailedLoginCount:   u.FailedLoginCount,
		MustChangePassword: u.MustChangePassword,
		DaysRemaining:      auth.DaysRemaining(u.Licenses, now),
		CreatedAt:          u.CreatedAt,
	}
	for _, l := range u.Licenses {
		if !l.Usable(now) {
			continue
		}
		if v.LicenseEndsAt == nil || l.EndDate.After(*v.LicenseEndsAt) {
			end := l.EndDate
			v.LicenseEndsAt = &end
		}
	}
	return v
}
