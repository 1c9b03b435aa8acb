package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type lockStore interface {
	GetSessionLock(ctx context.Context, userID uuid.UUID) (*SessionLock, error)
	AcquireSessionLock(ctx context.Context, params AcquireLockParams) (LockAcquisition, error)
	TouchSessionLock(ctx context.Context, userID uuid.UUID, at time.Time) error
	DeleteSessionLock(ctx context.Context, userID uuid.UUID) error
}

// SessionLocker keeps at most one live session per non-admin account. A lock
// is live while its last heartbeat is younger than the active window; there is
// no in-process registry, so every instance sees the same answer.
type SessionLocker struct {
	store        lockStore
	activeWindow time.Duration
}

func NewSessionLocker(store lockStore, activeWindow time.Duration) *SessionLocker {
	return &SessionLocker{store: store, activeWindow: activeWindow}
}

// LockStatus is a read-only view of a user's lock at a point in time.
type LockStatus struct {
	Exists bool
	Active bool
	Age    time.Duration
}

// Check reads the lock without modifying it. A missing row has infinite age.
func (l *SessionLocker) Check(ctx context.Context, userID uuid.UUID, now time.Time) (LockStatus, error) {
	lock, err := l.store.GetSessionLock(ctx, userID)
	if errors.Is(err, ErrLockNotFound) {
		return LockStatus{}, nil
	}
	if err != nil {
		return LockStatus{}, err
	}
	age := now.Sub(lock.LastSeen)
	return LockStatus{
		Exists: true,
		Active: age < l.activeWindow,
		Age:    age,
	}, nil
}

// Acquire claims the lock for a new session in one store operation.
// Administrators always take over; everyone else only replaces stale locks.
func (l *SessionLocker) Acquire(ctx context.Context, user *User, sessionID, deviceHash string, now time.Time) (LockAcquisition, error) {
	return l.store.AcquireSessionLock(ctx, AcquireLockParams{
		UserID:      user.ID,
		SessionID:   sessionID,
		DeviceHash:  deviceHash,
		Now:         now,
		StaleBefore: now.Add(-l.activeWindow),
		Override:    user.IsAdmin(),
	})
}

func (l *SessionLocker) Touch(ctx context.Context, userID uuid.UUID, now time.Time) error {
	return l.store.TouchSessionLock(ctx, userID, now)
}

func (l *SessionLocker) Release(ctx context.Context, userID uuid.UUID) error {
	return l.store.DeleteSessionLock(ctx, userID)
}
