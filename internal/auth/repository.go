package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrLockNotFound = errors.New("session lock not found")
)

// LockAcquisition is the outcome of the atomic session-lock primitive.
type LockAcquisition int

const (
	// LockCreated means no lock existed for the user.
	LockCreated LockAcquisition = iota
	// LockReplaced means a stale lock, or any lock under override, was taken over.
	LockReplaced
	// LockConflict means an active lock is held elsewhere; nothing was written.
	LockConflict
)

func (a LockAcquisition) String() string {
	switch a {
	case LockCreated:
		return "created"
	case LockReplaced:
		return "replaced"
	case LockConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type AcquireLockParams struct {
	UserID     uuid.UUID
	SessionID  string
	DeviceHash string
	Now        time.Time
	// StaleBefore is the newest last_seen that still counts as abandoned.
	StaleBefore time.Time
	Override    bool
}

// Repository is the credential store. Each method is atomic on its own; the
// store offers no transaction spanning several calls.
type Repository interface {
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	CreateUserWithLicense(ctx context.Context, user *User, license *License) error
	DeleteUser(ctx context.Context, id uuid.UUID) error

	RecordFailure(ctx context.Context, userID uuid.UUID, failedCount int, at time.Time) error
	LockUser(ctx context.Context, userID uuid.UUID, failedCount int, at, until time.Time) error
	ClearLockout(ctx context.Context, userID uuid.UUID, at time.Time) (*User, error)
	SetMustChangePassword(ctx context.Context, userID uuid.UUID) error
	UpdatePassword(ctx context.Context, userID uuid.UUID, hash string, rotatedAt time.Time) error

	ListActiveLicenses(ctx context.Context, userID uuid.UUID, now time.Time) ([]License, error)
	ExtendOrCreateLicense(ctx context.Context, userID uuid.UUID, endDate, now time.Time) (*License, error)

	GetSessionLock(ctx context.Context, userID uuid.UUID) (*SessionLock, error)
	AcquireSessionLock(ctx context.Context, params AcquireLockParams) (LockAcquisition, error)
	TouchSessionLock(ctx context.Context, userID uuid.UUID, at time.Time) error
	DeleteSessionLock(ctx context.Context, userID uuid.UUID) error

	CountFailedAttemptsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	CountUnknownUserFailuresSince(ctx context.Context, username string, since time.Time) (int, error)
	RecordAttempt(ctx context.Context, attempt *LoginAttempt) error
	ListRecentAttempts(ctx context.Context, limit int, failedOnly bool) ([]LoginAttempt, error)
	DeleteAllAttempts(ctx context.Context) (int64, error)

	RecordAudit(ctx context.Context, audit *LoginAudit) error
	ListRecentAudits(ctx context.Context, limit int) ([]LoginAudit, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *repository) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := r.db.WithContext(ctx).
		Preload("Licenses", func(db *gorm.DB) *gorm.DB {
			return db.Order("end_date DESC")
		}).
		Order("created_at DESC").
		Find(&users).Error
	return users, err
}

func (r *repository) CreateUserWithLicense(ctx context.Context, user *User, license *License) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Licenses").Create(user).Error; err != nil {
			return err
		}
		if license == nil {
			return nil
		}
		license.UserID = user.ID
		return tx.Create(license).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	return err
}

func (r *repository) DeleteUser(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repository) RecordFailure(ctx context.Context, userID uuid.UUID, failedCount int, at time.Time) error {
	return r.updateUser(ctx, userID, map[string]any{
		"failed_login_count":   failedCount,
		"last_failed_login_at": at,
	})
}

func (r *repository) LockUser(ctx context.Context, userID uuid.UUID, failedCount int, at, until time.Time) error {
	return r.updateUser(ctx, userID, map[string]any{
		"is_locked":            true,
		"locked_until":         until,
		"failed_login_count":   failedCount,
		"last_failed_login_at": at,
	})
}

// ClearLockout resets the lockout fields and stamps failures_reset_at, so
// failed attempts recorded up to at no longer count.
func (r *repository) ClearLockout(ctx context.Context, userID uuid.UUID, at time.Time) (*User, error) {
	err := r.updateUser(ctx, userID, map[string]any{
		"is_locked":            false,
		"locked_until":         nil,
		"failed_login_count":   0,
		"last_failed_login_at": nil,
		"failures_reset_at":    at,
	})
	if err != nil {
		return nil, err
	}
	return r.GetUserByID(ctx, userID)
}

func (r *repository) SetMustChangePassword(ctx context.Context, userID uuid.UUID) error {
	return r.updateUser(ctx, userID, map[string]any{"must_change_password": true})
}

func (r *repository) UpdatePassword(ctx context.Context, userID uuid.UUID, hash string, rotatedAt time.Time) error {
	return r.updateUser(ctx, userID, map[string]any{
		"password_hash":        hash,
		"password_rotated_at":  rotatedAt,
		"must_change_password": false,
	})
}

func (r *repository) updateUser(ctx context.Context, userID uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repository) ListActiveLicenses(ctx context.Context, userID uuid.UUID, now time.Time) ([]License, error) {
	var licenses []License
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND end_date > ?", userID, true, now).
		Order("end_date DESC").
		Find(&licenses).Error
	return licenses, err
}

func (r *repository) ExtendOrCreateLicense(ctx context.Context, userID uuid.UUID, endDate, now time.Time) (*License, error) {
	var license License
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND is_active = ?", userID, true).
			Order("end_date DESC").
			First(&license).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			license = License{
				UserID:    userID,
				StartDate: now,
				EndDate:   endDate,
				IsActive:  true,
			}
			return tx.Create(&license).Error
		case err != nil:
			return err
		}
		license.EndDate = endDate
		license.IsActive = true
		return tx.Model(&license).Updates(map[string]any{
			"end_date":  endDate,
			"is_active": true,
		}).Error
	})
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &license, nil
}

func (r *repository) GetSessionLock(ctx context.Context, userID uuid.UUID) (*SessionLock, error) {
	var lock SessionLock
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&lock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	return &lock, nil
}

// acquireLockSQL inserts the lock, or takes over the existing row only when it
// is stale or the caller overrides. No returned row means the conflict branch
// was taken and the existing lock is untouched.
const acquireLockSQL = `
INSERT INTO session_locks (id, user_id, session_id, device_hash, last_seen, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
	session_id  = EXCLUDED.session_id,
	device_hash = EXCLUDED.device_hash,
	last_seen   = EXCLUDED.last_seen,
	created_at  = EXCLUDED.created_at
WHERE CAST(? AS BOOLEAN) OR session_locks.last_seen <= ?
RETURNING (xmax = 0) AS inserted`

func (r *repository) AcquireSessionLock(ctx context.Context, p AcquireLockParams) (LockAcquisition, error) {
	var rows []struct {
		Inserted bool
	}
	err := r.db.WithContext(ctx).Raw(acquireLockSQL,
		uuid.New(), p.UserID, p.SessionID, p.DeviceHash, p.Now, p.Now,
		p.Override, p.StaleBefore,
	).Scan(&rows).Error
	if err != nil {
		return LockConflict, err
	}
	if len(rows) == 0 {
		return LockConflict, nil
	}
	if rows[0].Inserted {
		return LockCreated, nil
	}
	return LockReplaced, nil
}

func (r *repository) TouchSessionLock(ctx context.Context, userID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&SessionLock{}).
		Where("user_id = ?", userID).
		Update("last_seen", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockNotFound
	}
	return nil
}

func (r *repository) DeleteSessionLock(ctx context.Context, userID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&SessionLock{}).Error
}

func (r *repository) CountFailedAttemptsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LoginAttempt{}).
		Where("user_id = ? AND success = ? AND created_at >= ?", userID, false, since).
		Count(&count).Error
	return int(count), err
}

func (r *repository) CountUnknownUserFailuresSince(ctx context.Context, username string, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&LoginAttempt{}).
		Where("username = ? AND user_id IS NULL AND fail_reason = ? AND created_at >= ?",
			username, FailUserNotFound, since).
		Count(&count).Error
	return int(count), err
}

func (r *repository) RecordAttempt(ctx context.Context, attempt *LoginAttempt) error {
	return r.db.WithContext(ctx).Create(attempt).Error
}

func (r *repository) ListRecentAttempts(ctx context.Context, limit int, failedOnly bool) ([]LoginAttempt, error) {
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if failedOnly {
		query = query.Where("success = ?", false)
	}
	var attempts []LoginAttempt
	err := query.Find(&attempts).Error
	return attempts, err
}

func (r *repository) DeleteAllAttempts(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("1 = 1").Delete(&LoginAttempt{})
	return res.RowsAffected, res.Error
}

func (r *repository) RecordAudit(ctx context.Context, audit *LoginAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *repository) ListRecentAudits(ctx context.Context, limit int) ([]LoginAudit, error) {
	var audits []LoginAudit
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&audits).Error
	return audits, err
}
