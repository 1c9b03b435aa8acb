package auth

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

type licenseReader interface {
	ListActiveLicenses(ctx context.Context, userID uuid.UUID, now time.Time) ([]License, error)
}

// LicenseGate decides whether a user may hold a session. Administrators
// bypass it; everyone else needs an active license ending after now.
type LicenseGate struct {
	repo licenseReader
}

func NewLicenseGate(repo licenseReader) *LicenseGate {
	return &LicenseGate{repo: repo}
}

func (g *LicenseGate) IsAuthorized(ctx context.Context, user *User, now time.Time) (bool, error) {
	if user.IsAdmin() {
		return true, nil
	}
	licenses, err := g.repo.ListActiveLicenses(ctx, user.ID, now)
	if err != nil {
		return false, err
	}
	return HasUsableLicense(licenses, now), nil
}

func HasUsableLicense(licenses []License, now time.Time) bool {
	for _, l := range licenses {
		if l.Usable(now) {
			return true
		}
	}
	return false
}

// DaysRemaining is for display: whole days, rounded up, until the latest
// usable license ends; 0 when there is none.
func DaysRemaining(licenses []License, now time.Time) int {
	var latest *License
	for i := range licenses {
		l := &licenses[i]
		if !l.Usable(now) {
			continue
		}
		if latest == nil || l.EndDate.After(latest.EndDate) {
			latest = l
		}
	}
	if latest == nil {
		return 0
	}
	days := latest.EndDate.Sub(now).Hours() / 24
	return int(math.Ceil(days))
}
