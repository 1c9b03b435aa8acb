package auth

import (
	"errors"
	"net/http"
	"time"
)

// Code is the terminal outcome of a login evaluation.
type Code string

const (
	CodeOK                  Code = "OK"
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeAccountLocked       Code = "ACCOUNT_LOCKED"
	CodeNoLicense           Code = "NO_LICENSE"
	CodeDeviceAlreadyActive Code = "DEVICE_ALREADY_ACTIVE"
	CodeServerError         Code = "SERVER_ERROR"
)

func (c Code) HTTPStatus() int {
	switch c {
	case CodeOK:
		return http.StatusOK
	case CodeAccountLocked:
		return http.StatusTooManyRequests
	case CodeNoLicense:
		return http.StatusForbidden
	case CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusUnauthorized
	}
}

// Mode selects what a successful evaluation does.
type Mode int

const (
	// ModeValidate answers "could this login succeed": the device check is
	// read-only and no session is issued.
	ModeValidate Mode = iota
	// ModeIssue claims the session lock and issues a token.
	ModeIssue
)

func (m Mode) String() string {
	if m == ModeIssue {
		return "issue"
	}
	return "validate"
}

// RequestMeta is the request-derived context of an attempt.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type LoginRequest struct {
	Username string
	Password string
	Meta     RequestMeta
}

// Decision is the result of EvaluateLogin. Only Code and Message are safe to
// show to the caller on failure.
type Decision struct {
	Code              Code
	Message           string
	AttemptsRemaining int
	LockedUntil       *time.Time

	UserID             string
	Username           string
	Role               Role
	DeviceHash         string
	SessionID          string
	MustChangePassword bool
	LicenseValid       bool
	Lock               LockAcquisition
	Token              *IssuedToken
}

func (d *Decision) OK() bool {
	return d.Code == CodeOK
}

var (
	// ErrSessionInvalid means the credential no longer maps to a usable session.
	ErrSessionInvalid = errors.New("session is no longer valid")
	// ErrNoLicense means the session's user lost license coverage.
	ErrNoLicense = errors.New("no active license")
	// ErrInvalidCurrentPassword is returned by ChangePassword.
	ErrInvalidCurrentPassword = errors.New("current password is incorrect")
	ErrPasswordTooShort       = errors.New("new password is too short")
)
