package auth

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// FailReason is stored on failed LoginAttempt rows.
type FailReason string

const (
	FailUserNotFound          FailReason = "USER_NOT_FOUND"
	FailInvalidPassword       FailReason = "INVALID_PASSWORD"
	FailInvalidPasswordLocked FailReason = "INVALID_PASSWORD_LOCKED"
	FailAccountLocked         FailReason = "ACCOUNT_LOCKED"
	FailNoLicense             FailReason = "NO_LICENSE"
	FailDeviceAlreadyActive   FailReason = "DEVICE_ALREADY_ACTIVE"
)

type AuditAction string

const (
	AuditLoginSuccess    AuditAction = "LOGIN_SUCCESS"
	AuditLogout          AuditAction = "LOGOUT"
	AuditPasswordChanged AuditAction = "PASSWORD_CHANGED"
)

type User struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username           string    `gorm:"uniqueIndex;not null"`
	Email              *string
	PasswordHash       string `gorm:"not null"`
	Role               Role   `gorm:"type:varchar(16);not null;default:USER"`
	IsLocked           bool   `gorm:"not null;default:false"`
	LockedUntil        *time.Time
	FailedLoginCount   int `gorm:"not null;default:0"`
	LastFailedLoginAt  *time.Time
	FailuresResetAt    *time.Time
	PasswordRotatedAt  *time.Time
	MustChangePassword bool `gorm:"not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Licenses []License `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// PasswordSetAt is the start of the rotation period: the last rotation, or
// account creation when the password was never changed.
func (u *User) PasswordSetAt() time.Time {
	if u.PasswordRotatedAt != nil {
		return *u.PasswordRotatedAt
	}
	return u.CreatedAt
}

type License struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	StartDate time.Time `gorm:"not null"`
	EndDate   time.Time `gorm:"not null"`
	IsActive  bool      `gorm:"not null;default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (License) TableName() string {
	return "licenses"
}

func (l *License) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// Usable reports whether the license grants access at now.
func (l License) Usable(now time.Time) bool {
	return l.IsActive && l.EndDate.After(now)
}

// SessionLock marks an account as having an interactive session elsewhere.
// There is at most one row per user.
type SessionLock struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	SessionID  string    `gorm:"not null"`
	DeviceHash string
	LastSeen   time.Time `gorm:"not null"`
	CreatedAt  time.Time
}

func (SessionLock) TableName() string {
	return "session_locks"
}

func (l *SessionLock) BeforeCreate(*gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

type LoginAttempt struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Username   string     `gorm:"not null"`
	UserID     *uuid.UUID `gorm:"type:uuid;index"`
	Success    bool       `gorm:"not null"`
	IPAddress  string
	UserAgent  string
	DeviceHash string
	FailReason FailReason `gorm:"type:varchar(32)"`
	CreatedAt  time.Time
}

func (LoginAttempt) TableName() string {
	return "login_attempts"
}

func (a *LoginAttempt) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

type LoginAudit struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey"`
	UserID     uuid.UUID   `gorm:"type:uuid;not null;index"`
	Action     AuditAction `gorm:"type:varchar(32);not null"`
	IPAddress  string
	UserAgent  string
	DeviceHash string
	Metadata   string
	CreatedAt  time.Time
}

func (LoginAudit) TableName() string {
	return "login_audits"
}

func (a *LoginAudit) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Widths of the bounded attempt and audit columns. Request metadata is cut
// to fit before insert so an oversized header cannot fail the write.
const (
	maxUsernameLen   = 64
	maxIPAddressLen  = 64
	maxDeviceHashLen = 32
	maxUserAgentLen  = 512
)

func (a *LoginAttempt) fitColumns() {
	a.Username = clip(a.Username, maxUsernameLen)
	a.IPAddress = clip(a.IPAddress, maxIPAddressLen)
	a.UserAgent = clip(a.UserAgent, maxUserAgentLen)
	a.DeviceHash = clip(a.DeviceHash, maxDeviceHashLen)
}

func (a *LoginAudit) fitColumns() {
	a.IPAddress = clip(a.IPAddress, maxIPAddressLen)
	a.UserAgent = clip(a.UserAgent, maxUserAgentLen)
	a.DeviceHash = clip(a.DeviceHash, maxDeviceHashLen)
}

// clip cuts s to at most n characters, the unit VARCHAR(n) counts in.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
