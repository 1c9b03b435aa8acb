package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/elskow/license-portal/internal/config"
)

type Service struct {
	config     *config.AuthConfig
	policy     config.PolicyConfig
	log        *zap.Logger
	repository Repository
	tokens     *TokenIssuer
	lockout    LockoutPolicy
	licenses   *LicenseGate
	locks      *SessionLocker
	metrics    *Metrics
	now        func() time.Time
	dummyHash  []byte
}

// SessionState is the outcome of re-validating a credential against the store.
type SessionState struct {
	User               *User
	SessionID          string
	LicenseValid       bool
	MustChangePassword bool
}

type Profile struct {
	ID                 string     `json:"id"`
	Username           string     `json:"username"`
	Email              *string    `json:"email,omitempty"`
	Role               Role       `json:"role"`
	DaysRemaining      int        `json:"daysRemaining"`
	LicenseEndsAt      *time.Time `json:"licenseEndsAt,omitempty"`
	MustChangePassword bool       `json:"mustChangePassword"`
	HeartbeatSeconds   int        `json:"heartbeatSeconds"`
}

func NewService(cfg *config.AuthConfig, policy config.PolicyConfig, log *zap.Logger, repo Repository, metrics *Metrics) *Service {
	s := &Service{
		config:     cfg,
		policy:     policy,
		log:        log,
		repository: repo,
		lockout:    NewLockoutPolicy(policy),
		licenses:   NewLicenseGate(repo),
		locks:      NewSessionLocker(repo, policy.ActiveWindow),
		metrics:    metrics,
		now:        time.Now,
	}
	s.tokens = NewTokenIssuer(cfg, func() time.Time { return s.now() })

	// Unknown usernames are compared against this hash so they cost the same
	// time as a real password check.
	dummy, err := bcrypt.GenerateFromPassword([]byte("portal-dummy-password"), s.cost())
	if err != nil {
		log.Error("failed to prepare dummy hash", zap.Error(err))
	}
	s.dummyHash = dummy

	return s
}

func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

func (s *Service) Policy() config.PolicyConfig {
	return s.policy
}

func (s *Service) cost() int {
	if s.config.BcryptCost < bcrypt.MinCost || s.config.BcryptCost > bcrypt.MaxCost {
		return bcrypt.DefaultCost
	}
	return s.config.BcryptCost
}

func (s *Service) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.cost())
	return string(bytes), err
}

func (s *Service) CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// EvaluateLogin is the single login decision used by both the validation
// endpoint and the credential exchange. Store failures collapse into
// SERVER_ERROR; the detail only reaches the log.
func (s *Service) EvaluateLogin(ctx context.Context, req LoginRequest, mode Mode) *Decision {
	now := s.now()
	deviceHash := DeviceHash(req.Meta.UserAgent)

	decision, err := s.evaluate(ctx, req, mode, deviceHash, now)
	if err != nil {
		s.log.Error("login evaluation failed",
			zap.String("username", req.Username),
			zap.Stringer("mode", mode),
			zap.Error(err))
		decision = &Decision{
			Code:    CodeServerError,
			Message: "unable to validate credentials",
		}
	}
	decision.DeviceHash = deviceHash

	s.metrics.observeDecision(mode, decision.Code)
	return decision
}

func (s *Service) evaluate(ctx context.Context, req LoginRequest, mode Mode, deviceHash string, now time.Time) (*Decision, error) {
	user, err := s.repository.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, ErrUserNotFound) {
		return s.unknownUser(ctx, req, deviceHash, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if s.lockout.Blocked(user, now) {
		s.recordFailure(ctx, req, &user.ID, FailAccountLocked, deviceHash, now)
		return &Decision{
			Code:        CodeAccountLocked,
			Message:     fmt.Sprintf("account locked, try again in %d minutes", s.lockout.MinutesLeft(user, now)),
			LockedUntil: user.LockedUntil,
		}, nil
	}

	if !s.CheckPasswordHash(req.Password, user.PasswordHash) {
		return s.wrongPassword(ctx, req, user, deviceHash, now)
	}

	licensed, err := s.licenses.IsAuthorized(ctx, user, now)
	if err != nil {
		return nil, fmt.Errorf("check license: %w", err)
	}
	if !licensed {
		s.log.Info("login denied without active license",
			zap.String("user_id", user.ID.String()),
			zap.String("username", user.Username))
		s.recordFailure(ctx, req, &user.ID, FailNoLicense, deviceHash, now)
		return &Decision{
			Code:    CodeNoLicense,
			Message: "no active license, contact the administrator",
		}, nil
	}

	decision := &Decision{
		Code:         CodeOK,
		Message:      "login successful",
		UserID:       user.ID.String(),
		Username:     user.Username,
		Role:         user.Role,
		LicenseValid: true,
	}

	if mode == ModeIssue {
		decision.SessionID = uuid.NewString()
		acquired, err := s.locks.Acquire(ctx, user, decision.SessionID, deviceHash, now)
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		s.metrics.observeLock(acquired)
		if acquired == LockConflict {
			return s.deviceActive(ctx, req, user, deviceHash, now), nil
		}
		if acquired == LockReplaced {
			s.log.Info("session lock taken over",
				zap.String("user_id", user.ID.String()),
				zap.Bool("admin_override", user.IsAdmin()))
		}
		decision.Lock = acquired
	} else {
		status, err := s.locks.Check(ctx, user.ID, now)
		if err != nil {
			return nil, fmt.Errorf("check session lock: %w", err)
		}
		if status.Active && !user.IsAdmin() {
			return s.deviceActive(ctx, req, user, deviceHash, now), nil
		}
	}

	if s.lockout.NeedsReset(user) {
		if _, err := s.repository.ClearLockout(ctx, user.ID, now); err != nil {
			s.log.Error("failed to reset lockout state",
				zap.String("user_id", user.ID.String()),
				zap.Error(err))
		}
	}

	decision.MustChangePassword = s.mustChangePassword(ctx, user, now)

	s.recordAttempt(ctx, &LoginAttempt{
		Username:   user.Username,
		UserID:     &user.ID,
		Success:    true,
		IPAddress:  req.Meta.IPAddress,
		UserAgent:  req.Meta.UserAgent,
		DeviceHash: deviceHash,
		CreatedAt:  now,
	})

	if mode != ModeIssue {
		return decision, nil
	}

	token, err := s.tokens.Issue(SessionIdentity{
		UserID:             decision.UserID,
		Username:           user.Username,
		Role:               user.Role,
		SessionID:          decision.SessionID,
		MustChangePassword: decision.MustChangePassword,
		LicenseValid:       decision.LicenseValid,
		PasswordSetAt:      user.PasswordSetAt(),
	}, now)
	if err != nil {
		if relErr := s.locks.Release(ctx, user.ID); relErr != nil {
			s.log.Error("failed to release session lock", zap.Error(relErr))
		}
		return nil, fmt.Errorf("issue token: %w", err)
	}
	decision.Token = token

	s.recordAudit(ctx, user.ID, AuditLoginSuccess, req.Meta, deviceHash, now, map[string]string{
		"source":     "credentials",
		"session_id": decision.SessionID,
		"lock":       decision.Lock.String(),
	})

	return decision, nil
}

// unknownUser answers exactly like a wrong password, including a remaining
// attempts count derived from earlier misses on the same name.
func (s *Service) unknownUser(ctx context.Context, req LoginRequest, deviceHash string, now time.Time) *Decision {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(req.Password))

	remaining := 0
	previous, err := s.repository.CountUnknownUserFailuresSince(ctx, clip(req.Username, maxUsernameLen), s.lockout.WindowStart(now))
	if err != nil {
		s.log.Warn("failed to count unknown user attempts", zap.Error(err))
	} else {
		remaining = max(s.lockout.EvaluateFailure(previous, now).AttemptsRemaining, 1)
	}

	s.recordFailure(ctx, req, nil, FailUserNotFound, deviceHash, now)
	return invalidCredentials(remaining)
}

func (s *Service) wrongPassword(ctx context.Context, req LoginRequest, user *User, deviceHash string, now time.Time) (*Decision, error) {
	recent, err := s.repository.CountFailedAttemptsSince(ctx, user.ID, s.lockout.CountFrom(user, now))
	if err != nil {
		return nil, fmt.Errorf("count failed attempts: %w", err)
	}
	// Attempt rows are best-effort; the user row is not.
	recent = max(recent, s.lockout.CarriedFailures(user, now))

	outcome := s.lockout.EvaluateFailure(recent, now)
	if !outcome.Lock {
		if err := s.repository.RecordFailure(ctx, user.ID, outcome.FailedCount, now); err != nil {
			return nil, fmt.Errorf("record failure: %w", err)
		}
		s.recordFailure(ctx, req, &user.ID, FailInvalidPassword, deviceHash, now)
		return invalidCredentials(outcome.AttemptsRemaining), nil
	}

	// Concurrent failures may both land here; they write the same lock state.
	if err := s.repository.LockUser(ctx, user.ID, outcome.FailedCount, now, outcome.LockedUntil); err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	s.metrics.lockouts.Inc()
	s.log.Warn("account locked after repeated failures",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username),
		zap.Int("failed_count", outcome.FailedCount),
		zap.Time("locked_until", outcome.LockedUntil))
	s.recordFailure(ctx, req, &user.ID, FailInvalidPasswordLocked, deviceHash, now)

	return &Decision{
		Code:        CodeAccountLocked,
		Message:     fmt.Sprintf("too many failed attempts, account locked for %d minutes", int(s.lockout.Duration.Minutes())),
		LockedUntil: &outcome.LockedUntil,
	}, nil
}

func (s *Service) deviceActive(ctx context.Context, req LoginRequest, user *User, deviceHash string, now time.Time) *Decision {
	s.log.Info("login denied, session active on another device",
		zap.String("user_id", user.ID.String()),
		zap.String("username", user.Username))
	s.recordFailure(ctx, req, &user.ID, FailDeviceAlreadyActive, deviceHash, now)
	return &Decision{
		Code:    CodeDeviceAlreadyActive,
		Message: "another device is active on this account, log out there first",
	}
}

func invalidCredentials(remaining int) *Decision {
	msg := "invalid username or password"
	if remaining > 0 {
		msg = fmt.Sprintf("%s, %d attempts remaining", msg, remaining)
	}
	return &Decision{
		Code:              CodeInvalidCredentials,
		Message:           msg,
		AttemptsRemaining: remaining,
	}
}

// mustChangePassword is true when the flag is stored or the password is older
// than the rotation policy; the latter is persisted so it sticks.
func (s *Service) mustChangePassword(ctx context.Context, user *User, now time.Time) bool {
	if user.MustChangePassword {
		return true
	}
	if now.Sub(user.PasswordSetAt()) <= s.policy.PasswordMaxAge {
		return false
	}
	if err := s.repository.SetMustChangePassword(ctx, user.ID); err != nil {
		s.log.Warn("failed to persist password rotation flag",
			zap.String("user_id", user.ID.String()),
			zap.Error(err))
	}
	return true
}

// Authorize re-validates a parsed credential on a protected request. The
// license is re-derived every time because it can expire mid-session.
func (s *Service) Authorize(ctx context.Context, claims *Claims) (*SessionState, error) {
	now := s.now()

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	user, err := s.repository.GetUserByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load session user: %w", err)
	}

	if passwordChangedSince(claims, user) {
		return nil, ErrSessionInvalid
	}

	licensed, err := s.licenses.IsAuthorized(ctx, user, now)
	if err != nil {
		return nil, fmt.Errorf("check license: %w", err)
	}
	if !licensed {
		return nil, ErrNoLicense
	}

	return &SessionState{
		User:               user,
		SessionID:          claims.SessionID,
		LicenseValid:       true,
		MustChangePassword: s.mustChangePassword(ctx, user, now),
	}, nil
}

// passwordChangedSince reports whether the password was set again after the
// token was issued. Microseconds are what the store keeps.
func passwordChangedSince(claims *Claims, user *User) bool {
	return claims.PasswordStamp != user.PasswordSetAt().UnixMicro()
}

// Renew re-runs Authorize and issues a fresh token for the same session.
func (s *Service) Renew(ctx context.Context, claims *Claims) (*IssuedToken, *SessionState, error) {
	state, err := s.Authorize(ctx, claims)
	if err != nil {
		return nil, nil, err
	}

	token, err := s.tokens.Issue(SessionIdentity{
		UserID:             state.User.ID.String(),
		Username:           state.User.Username,
		Role:               state.User.Role,
		SessionID:          claims.SessionID,
		MustChangePassword: state.MustChangePassword,
		LicenseValid:       state.LicenseValid,
		PasswordSetAt:      state.User.PasswordSetAt(),
	}, s.now())
	if err != nil {
		return nil, nil, fmt.Errorf("issue token: %w", err)
	}
	return token, state, nil
}

// Heartbeat refreshes last_seen on the caller's lock. It never fails: a
// missing lock or a store error is counted and logged, nothing more.
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if err := s.locks.Touch(ctx, userID, s.now()); err != nil {
		s.metrics.heartbeatFailures.Inc()
		s.log.Debug("heartbeat did not refresh session lock",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func (s *Service) Logout(ctx context.Context, userID uuid.UUID, meta RequestMeta) {
	now := s.now()
	if err := s.locks.Release(ctx, userID); err != nil {
		s.log.Error("failed to remove session lock on logout",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	s.recordAudit(ctx, userID, AuditLogout, meta, DeviceHash(meta.UserAgent), now, nil)
}

// ChangePassword verifies the current password, rotates it and drops the
// session lock. Tokens issued before the rotation stop authorizing.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string, meta RequestMeta) error {
	if len(next) < s.policy.MinPasswordLength {
		return ErrPasswordTooShort
	}

	user, err := s.repository.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !s.CheckPasswordHash(current, user.PasswordHash) {
		return ErrInvalidCurrentPassword
	}

	hash, err := s.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	if err := s.repository.UpdatePassword(ctx, userID, hash, now); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := s.locks.Release(ctx, userID); err != nil {
		s.log.Error("failed to remove session lock after password change",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
	s.recordAudit(ctx, userID, AuditPasswordChanged, meta, DeviceHash(meta.UserAgent), now, nil)

	s.log.Info("password changed", zap.String("user_id", userID.String()))
	return nil
}

func (s *Service) Profile(ctx context.Context, state *SessionState) (*Profile, error) {
	now := s.now()
	licenses, err := s.repository.ListActiveLicenses(ctx, state.User.ID, now)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	profile := &Profile{
		ID:                 state.User.ID.String(),
		Username:           state.User.Username,
		Email:              state.User.Email,
		Role:               state.User.Role,
		DaysRemaining:      DaysRemaining(licenses, now),
		MustChangePassword: state.MustChangePassword,
		HeartbeatSeconds:   int(s.policy.HeartbeatInterval.Seconds()),
	}
	if len(licenses) > 0 {
		end := licenses[0].EndDate
		for _, l := range licenses[1:] {
			if l.EndDate.After(end) {
				end = l.EndDate
			}
		}
		profile.LicenseEndsAt = &end
	}
	return profile, nil
}

func (s *Service) recordAttempt(ctx context.Context, attempt *LoginAttempt) {
	attempt.fitColumns()
	if err := s.repository.RecordAttempt(ctx, attempt); err != nil {
		s.log.Warn("failed to record login attempt",
			zap.String("username", attempt.Username),
			zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, req LoginRequest, userID *uuid.UUID, reason FailReason, deviceHash string, now time.Time) {
	s.recordAttempt(ctx, &LoginAttempt{
		Username:   req.Username,
		UserID:     userID,
		Success:    false,
		IPAddress:  req.Meta.IPAddress,
		UserAgent:  req.Meta.UserAgent,
		DeviceHash: deviceHash,
		FailReason: reason,
		CreatedAt:  now,
	})
}

func (s *Service) recordAudit(ctx context.Context, userID uuid.UUID, action AuditAction, meta RequestMeta, deviceHash string, now time.Time, extra map[string]string) {
	metadata := map[string]string{"timestamp": now.UTC().Format(time.RFC3339)}
	for k, v := range extra {
		metadata[k] = v
	}
	raw, _ := json.Marshal(metadata)

	audit := &LoginAudit{
		UserID:     userID,
		Action:     action,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		DeviceHash: deviceHash,
		Metadata:   string(raw),
		CreatedAt:  now,
	}
	audit.fitColumns()
	if err := s.repository.RecordAudit(ctx, audit); err != nil {
		s.log.Warn("failed to record login audit",
			zap.String("user_id", userID.String()),
			zap.String("action", string(action)),
			zap.Error(err))
	}
}
