package auth

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockRepository is an in-memory Repository. Every method holds the mutex for
// its whole body, which gives it the same per-call atomicity as the SQL store.
type mockRepository struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*User
	licenses map[uuid.UUID][]License
	locks    map[uuid.UUID]*SessionLock
	attempts []LoginAttempt
	audits   []LoginAudit

	// failTouch makes TouchSessionLock fail, for heartbeat tests.
	failTouch error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		users:    make(map[uuid.UUID]*User),
		licenses: make(map[uuid.UUID][]License),
		locks:    make(map[uuid.UUID]*SessionLock),
	}
}

// NewMemoryRepository returns an in-memory Repository for tests of dependent packages.
func NewMemoryRepository() Repository {
	return newMockRepository()
}

func cloneUser(u *User) *User {
	c := *u
	c.Licenses = nil
	return &c
}

func (r *mockRepository) GetUserByUsername(_ context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *mockRepository) GetUserByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (r *mockRepository) ListUsers(_ context.Context) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]User, 0, len(r.users))
	for id, u := range r.users {
		c := cloneUser(u)
		c.Licenses = append([]License(nil), r.licenses[id]...)
		users = append(users, *c)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	return users, nil
}

func (r *mockRepository) CreateUserWithLicense(_ context.Context, user *User, license *License) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == user.Username {
			return ErrUserExists
		}
	}

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	if user.Role == "" {
		user.Role = RoleUser
	}
	r.users[user.ID] = cloneUser(user)

	if license != nil {
		if license.ID == uuid.Nil {
			license.ID = uuid.New()
		}
		license.UserID = user.ID
		r.licenses[user.ID] = append(r.licenses[user.ID], *license)
	}
	return nil
}

func (r *mockRepository) DeleteUser(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, id)
	delete(r.licenses, id)
	delete(r.locks, id)
	return nil
}

func (r *mockRepository) withUser(id uuid.UUID, fn func(u *User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return ErrUserNotFound
	}
	fn(u)
	return nil
}

func (r *mockRepository) RecordFailure(_ context.Context, userID uuid.UUID, failedCount int, at time.Time) error {
	return r.withUser(userID, func(u *User) {
		u.FailedLoginCount = failedCount
		u.LastFailedLoginAt = &at
	})
}

func (r *mockRepository) LockUser(_ context.Context, userID uuid.UUID, failedCount int, at, until time.Time) error {
	return r.withUser(userID, func(u *User) {
		u.IsLocked = true
		u.LockedUntil = &until
		u.FailedLoginCount = failedCount
		u.LastFailedLoginAt = &at
	})
}

func (r *mockRepository) ClearLockout(ctx context.Context, userID uuid.UUID, at time.Time) (*User, error) {
	err := r.withUser(userID, func(u *User) {
		u.IsLocked = false
		u.LockedUntil = nil
		u.FailedLoginCount = 0
		u.LastFailedLoginAt = nil
		u.FailuresResetAt = &at
	})
	if err != nil {
		return nil, err
	}
	return r.GetUserByID(ctx, userID)
}

func (r *mockRepository) SetMustChangePassword(_ context.Context, userID uuid.UUID) error {
	return r.withUser(userID, func(u *User) {
		u.MustChangePassword = true
	})
}

func (r *mockRepository) UpdatePassword(_ context.Context, userID uuid.UUID, hash string, rotatedAt time.Time) error {
	return r.withUser(userID, func(u *User) {
		u.PasswordHash = hash
		u.PasswordRotatedAt = &rotatedAt
		u.MustChangePassword = false
	})
}

func (r *mockRepository) ListActiveLicenses(_ context.Context, userID uuid.UUID, now time.Time) ([]License, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []License
	for _, l := range r.licenses[userID] {
		if l.Usable(now) {
			active = append(active, l)
		}
	}
	return active, nil
}

func (r *mockRepository) ExtendOrCreateLicense(_ context.Context, userID uuid.UUID, endDate, now time.Time) (*License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		return nil, ErrUserNotFound
	}

	licenses := r.licenses[userID]
	latest := -1
	for i, l := range licenses {
		if l.IsActive && (latest < 0 || l.EndDate.After(licenses[latest].EndDate)) {
			latest = i
		}
	}
	if latest < 0 {
		l := License{ID: uuid.New(), UserID: userID, StartDate: now, EndDate: endDate, IsActive: true}
		r.licenses[userID] = append(licenses, l)
		return &l, nil
	}
	licenses[latest].EndDate = endDate
	licenses[latest].IsActive = true
	l := licenses[latest]
	return &l, nil
}

func (r *mockRepository) GetSessionLock(_ context.Context, userID uuid.UUID) (*SessionLock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lock, ok := r.locks[userID]
	if !ok {
		return nil, ErrLockNotFound
	}
	c := *lock
	return &c, nil
}

func (r *mockRepository) AcquireSessionLock(_ context.Context, p AcquireLockParams) (LockAcquisition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &SessionLock{
		ID:         uuid.New(),
		UserID:     p.UserID,
		SessionID:  p.SessionID,
		DeviceHash: p.DeviceHash,
		LastSeen:   p.Now,
		CreatedAt:  p.Now,
	}

	existing, ok := r.locks[p.UserID]
	if !ok {
		r.locks[p.UserID] = next
		return LockCreated, nil
	}
	if !p.Override && existing.LastSeen.After(p.StaleBefore) {
		return LockConflict, nil
	}
	next.ID = existing.ID
	r.locks[p.UserID] = next
	return LockReplaced, nil
}

func (r *mockRepository) TouchSessionLock(_ context.Context, userID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failTouch != nil {
		return r.failTouch
	}
	lock, ok := r.locks[userID]
	if !ok {
		return ErrLockNotFound
	}
	lock.LastSeen = at
	return nil
}

func (r *mockRepository) DeleteSessionLock(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.locks, userID)
	return nil
}

func (r *mockRepository) CountFailedAttemptsSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, a := range r.attempts {
		if a.UserID != nil && *a.UserID == userID && !a.Success && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *mockRepository) CountUnknownUserFailuresSince(_ context.Context, username string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, a := range r.attempts {
		if a.UserID == nil && a.Username == username && a.FailReason == FailUserNotFound && !a.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *mockRepository) RecordAttempt(_ context.Context, attempt *LoginAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	r.attempts = append(r.attempts, *attempt)
	return nil
}

func (r *mockRepository) ListRecentAttempts(_ context.Context, limit int, failedOnly bool) ([]LoginAttempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []LoginAttempt
	for i := len(r.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if failedOnly && r.attempts[i].Success {
			continue
		}
		out = append(out, r.attempts[i])
	}
	return out, nil
}

func (r *mockRepository) DeleteAllAttempts(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.attempts))
	r.attempts = nil
	return n, nil
}

func (r *mockRepository) RecordAudit(_ context.Context, audit *LoginAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	r.audits = append(r.audits, *audit)
	return nil
}

func (r *mockRepository) ListRecentAudits(_ context.Context, limit int) ([]LoginAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []LoginAudit
	for i := len(r.audits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.audits[i])
	}
	return out, nil
}
