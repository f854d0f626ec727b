package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmtmentor/server/internal/model"
	"github.com/google/uuid"
)

// UserRepo defines the interface for user repository operations.
// Emails are matched case-insensitively.
type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user model.User) (model.User, error)
	// IncrementFailedAttempts atomically bumps the counter and returns the new value
	IncrementFailedAttempts(ctx context.Context, email string) (int, error)
	ResetFailedAttempts(ctx context.Context, email string) error
	LockAccount(ctx context.Context, email string, until time.Time) error
	RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, ip string) error
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

const userColumns = `
	id, first_name, last_name, email, password_hash, user_role, COALESCE(phone_number, ''),
	is_active, is_email_verified, email_verified_at, is_mobile_verified, mobile_verified_at,
	failed_login_attempts, account_locked_until, last_login_at, COALESCE(last_login_ip, ''), created_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	var role string
	err := row.Scan(
		&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.PasswordHash, &role, &u.PhoneNumber,
		&u.IsActive, &u.IsEmailVerified, &u.EmailVerifiedAt, &u.IsMobileVerified, &u.MobileVerifiedAt,
		&u.FailedLoginAttempts, &u.AccountLockedUntil, &u.LastLoginAt, &u.LastLoginIP, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user: %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Role = model.Role(role)
	return u, nil
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// FindByEmail retrieves a user by email
func (r *userRepo) FindByEmail(ctx context.Context, email string) (model.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, strings.TrimSpace(email)))
}

func (r *userRepo) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1))`, strings.TrimSpace(email),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists by email: %w", err)
	}
	return exists, nil
}

// Create inserts a new user; a duplicate email yields ErrConflict
func (r *userRepo) Create(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	var phone sql.NullString
	if u.PhoneNumber != "" {
		phone = sql.NullString{String: u.PhoneNumber, Valid: true}
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (
			id, first_name, last_name, email, password_hash, user_role, phone_number,
			is_active, is_email_verified, email_verified_at, is_mobile_verified, mobile_verified_at,
			failed_login_attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13)
		RETURNING created_at
	`,
		u.ID, u.FirstName, u.LastName, strings.ToLower(strings.TrimSpace(u.Email)), u.PasswordHash, string(u.Role), phone,
		u.IsActive, u.IsEmailVerified, u.EmailVerifiedAt, u.IsMobileVerified, u.MobileVerifiedAt, u.CreatedAt,
	).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("create user: %w", ErrConflict)
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	return u, nil
}

func (r *userRepo) IncrementFailedAttempts(ctx context.Context, email string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE users SET failed_login_attempts = failed_login_attempts + 1
		WHERE lower(email) = lower($1)
		RETURNING failed_login_attempts
	`, email).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("increment failed attempts: %w", ErrNotFound)
		}
		return 0, fmt.Errorf("increment failed attempts: %w", err)
	}
	return n, nil
}

func (r *userRepo) ResetFailedAttempts(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET failed_login_attempts = 0, account_locked_until = NULL
		WHERE lower(email) = lower($1)
	`, email)
	if err != nil {
		return fmt.Errorf("reset failed attempts: %w", err)
	}
	return nil
}

func (r *userRepo) LockAccount(ctx context.Context, email string, until time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET account_locked_until = $2 WHERE lower(email) = lower($1)
	`, email, until)
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

func (r *userRepo) RecordLogin(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE users SET last_login_at = $2, last_login_ip = $3 WHERE id = $1
	`, id, at, ip)
	if err != nil {
		return fmt.Errorf("record login: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("record login: %w", ErrNotFound)
	}
	return nil
}
