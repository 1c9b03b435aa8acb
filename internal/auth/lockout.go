package auth

import (
	"math"
	"time"

	"github.com/elskow/license-portal/internal/config"
)

// LockoutPolicy decides account lockout from the rolling count of failed
// attempts. Locking is per account, never per source address.
type LockoutPolicy struct {
	MaxFailedAttempts int
	Window            time.Duration
	Duration          time.Duration
}

func NewLockoutPolicy(cfg config.PolicyConfig) LockoutPolicy {
	return LockoutPolicy{
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		Window:            cfg.AttemptWindow,
		Duration:          cfg.LockoutDuration,
	}
}

// FailureOutcome is what a wrong password does to the account.
type FailureOutcome struct {
	Lock              bool
	LockedUntil       time.Time
	FailedCount       int
	AttemptsRemaining int
}

// Blocked reports whether u is inside an unexpired lock at now. An elapsed
// lock counts as unlocked even if the row still says is_locked.
func (p LockoutPolicy) Blocked(u *User, now time.Time) bool {
	return u.IsLocked && u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// MinutesLeft rounds the remaining lock time up to whole minutes.
func (p LockoutPolicy) MinutesLeft(u *User, now time.Time) int {
	if u.LockedUntil == nil {
		return 0
	}
	left := u.LockedUntil.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Minutes()))
}

func (p LockoutPolicy) WindowStart(now time.Time) time.Time {
	return now.Add(-p.Window)
}

// EvaluateFailure applies one more wrong password on top of recentFailures,
// the failures already inside the window.
func (p LockoutPolicy) EvaluateFailure(recentFailures int, now time.Time) FailureOutcome {
	out := FailureOutcome{FailedCount: recentFailures + 1}
	if recentFailures >= p.MaxFailedAttempts-1 {
		out.Lock = true
		out.LockedUntil = now.Add(p.Duration)
		return out
	}
	out.AttemptsRemaining = p.MaxFailedAttempts - recentFailures - 1
	return out
}

// NeedsReset reports whether any lockout field is dirty.
func (p LockoutPolicy) NeedsReset(u *User) bool {
	return u.IsLocked || u.LockedUntil != nil || u.FailedLoginCount != 0 || u.LastFailedLoginAt != nil
}

// CountFrom is where the failure count for u starts: the window start, or
// just after the last reset when that is later. Rows stamped at the reset
// instant belong to the run that was cleared.
func (p LockoutPolicy) CountFrom(u *User, now time.Time) time.Time {
	from := p.WindowStart(now)
	if u.FailuresResetAt != nil {
		if after := u.FailuresResetAt.Add(time.Microsecond); after.After(from) {
			from = after
		}
	}
	return from
}

// CarriedFailures is the counter stored on the user row, when its last
// failure falls inside the window. It keeps the lockout moving when
// attempt rows could not be written.
func (p LockoutPolicy) CarriedFailures(u *User, now time.Time) int {
	if u.LastFailedLoginAt == nil || u.LastFailedLoginAt.Before(p.CountFrom(u, now)) {
		return 0
	}
	return u.FailedLoginCount
}
