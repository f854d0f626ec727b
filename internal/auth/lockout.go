package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/repo"
)

// LockoutPolicy locks accounts after repeated password failures.
// The failure counter survives the lock and is cleared only by a successful login.
type LockoutPolicy struct {
	users       repo.UserRepo
	maxAttempts int
	duration    time.Duration
	now         func() time.Time
}

// NewLockoutPolicy creates a new lockout policy
func NewLockoutPolicy(users repo.UserRepo, maxAttempts int, duration time.Duration) *LockoutPolicy {
	return &LockoutPolicy{users: users, maxAttempts: maxAttempts, duration: duration, now: time.Now}
}

// Check fails with AccountLocked while the user's lock is in force
func (p *LockoutPolicy) Check(user model.User) error {
	if user.IsLocked(p.now()) {
		return apperr.New(apperr.AccountLocked, "Account is temporarily locked. Please try again later.")
	}
	return nil
}

// RegisterFailure counts a failed password check and reports whether it locked the account
func (p *LockoutPolicy) RegisterFailure(ctx context.Context, email string) (bool, error) {
	n, err := p.users.IncrementFailedAttempts(ctx, email)
	if err != nil {
		return false, err
	}
	if n < p.maxAttempts {
		return false, nil
	}
	if err := p.users.LockAccount(ctx, email, p.now().Add(p.duration)); err != nil {
		return false, err
	}
	return true, nil
}

// RegisterSuccess clears the failure counter and any lock
func (p *LockoutPolicy) RegisterSuccess(ctx context.Context, email string) error {
	return p.users.ResetFailedAttempts(ctx, email)
}

func (p *LockoutPolicy) lockedError() error {
	return apperr.New(apperr.AccountLocked,
		fmt.Sprintf("Too many failed attempts. Account locked for %d minutes.", lockoutMinutes(p.duration)))
}
