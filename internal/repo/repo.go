package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a lookup or conditional update matches no row
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write
	ErrConflict = errors.New("conflict")
	// ErrCooldown is returned when an OTP was created inside the resend cooldown window
	ErrCooldown = errors.New("otp cooldown active")
)

// Store bundles every repository the auth core needs
type Store struct {
	Users         UserRepo
	Otps          OtpRepo
	Devices       DeviceRepo
	RefreshTokens RefreshRepo
}

// NewPostgresStore creates a Store backed by PostgreSQL
func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Users:         NewUserRepo(db),
		Otps:          NewOtpRepo(db),
		Devices:       NewDeviceRepo(db),
		RefreshTokens: NewRefreshRepo(db),
	}
}

// withTx runs fn inside a transaction, committing on nil error
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// advisoryLock serializes transactions on (namespace, key); released on COMMIT/ROLLBACK
func advisoryLock(ctx context.Context, tx *sql.Tx, namespace int, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, namespace, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

const (
	lockOtp = iota + 1
	lockDevice
	lockStreaming
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
