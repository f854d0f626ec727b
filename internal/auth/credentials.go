package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/repo"
	"golang.org/x/crypto/bcrypt"
)

// CredentialVerifier checks an email/password pair
type CredentialVerifier interface {
	Authenticate(ctx context.Context, email, password string) (model.User, error)
}

// BcryptVerifier verifies passwords stored as bcrypt hashes
type BcryptVerifier struct {
	users repo.UserRepo
	cost  int
	// dummy is compared against when the email is unknown so both paths cost one bcrypt run
	dummy []byte
}

// NewBcryptVerifier creates a verifier; cost below bcrypt.MinCost falls back to bcrypt.DefaultCost
func NewBcryptVerifier(users repo.UserRepo, cost int) (*BcryptVerifier, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("init bcrypt verifier: %w", err)
	}
	return &BcryptVerifier{users: users, cost: cost, dummy: dummy}, nil
}

// Hash returns the bcrypt hash of password
func (v *BcryptVerifier) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Authenticate returns the user when password matches, BadCredentials otherwise
func (v *BcryptVerifier) Authenticate(ctx context.Context, email, password string) (model.User, error) {
	user, err := v.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(password))
			return model.User{}, apperr.New(apperr.BadCredentials, "Invalid email or password")
		}
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return model.User{}, apperr.New(apperr.BadCredentials, "Invalid email or password")
	}
	return user, nil
}
