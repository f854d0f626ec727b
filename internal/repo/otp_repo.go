package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/model"
	"github.com/google/uuid"
)

// OtpRepo defines the interface for OTP record repository operations
type OtpRepo interface {
	// CreateWithCooldown inserts rec unless a record for the same (identifier, type) was created
	// after cooldownSince; in that case the blocking record is returned with ErrCooldown.
	CreateWithCooldown(ctx context.Context, rec model.OtpRecord, cooldownSince time.Time) (model.OtpRecord, error)
	LatestPending(ctx context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error)
	LatestVerified(ctx context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error)
	// RegisterAttempt increments attempts on an unverified, unlocked record whose attempts are below
	// maxAttempts and sets locked_until = lockUntil when the increment reaches maxAttempts.
	// ErrNotFound means no such record matched the guard.
	RegisterAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (model.OtpRecord, error)
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.OtpRecord, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type otpRepo struct {
	db *sql.DB
}

// NewOtpRepo creates a new OtpRepo instance
func NewOtpRepo(db *sql.DB) OtpRepo {
	return &otpRepo{db: db}
}

const otpColumns = `id, identifier, otp_type, otp_code, created_at, expires_at, attempts, verified, verified_at, locked_until`

func scanOtp(row interface{ Scan(...any) error }) (model.OtpRecord, error) {
	var rec model.OtpRecord
	var otpType string
	err := row.Scan(&rec.ID, &rec.Identifier, &otpType, &rec.Code, &rec.CreatedAt, &rec.ExpiresAt,
		&rec.Attempts, &rec.Verified, &rec.VerifiedAt, &rec.LockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OtpRecord{}, fmt.Errorf("otp record: %w", ErrNotFound)
		}
		return model.OtpRecord{}, fmt.Errorf("scan otp record: %w", err)
	}
	rec.Type = model.OtpType(otpType)
	return rec, nil
}

// CreateWithCooldown serializes generation per (identifier, type) with an advisory lock so the
// cooldown check and insert are atomic.
func (r *otpRepo) CreateWithCooldown(ctx context.Context, rec model.OtpRecord, cooldownSince time.Time) (model.OtpRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, lockOtp, rec.Identifier+"|"+string(rec.Type)); err != nil {
			return err
		}

		latest, err := scanOtp(tx.QueryRowContext(ctx, `
			SELECT `+otpColumns+` FROM otp_records
			WHERE identifier = $1 AND otp_type = $2
			ORDER BY created_at DESC
			LIMIT 1
		`, rec.Identifier, string(rec.Type)))
		switch {
		case err == nil:
			if latest.CreatedAt.After(cooldownSince) {
				rec = latest
				return ErrCooldown
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO otp_records (id, identifier, otp_type, otp_code, created_at, expires_at, attempts, verified)
			VALUES ($1, $2, $3, $4, $5, $6, 0, false)
		`, rec.ID, rec.Identifier, string(rec.Type), rec.Code, rec.CreatedAt, rec.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert otp record: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCooldown) {
			return rec, err
		}
		return model.OtpRecord{}, err
	}
	return rec, nil
}

// LatestPending returns the most recent unverified record, expired or not.
func (r *otpRepo) LatestPending(ctx context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error) {
	return scanOtp(r.db.QueryRowContext(ctx, `
		SELECT `+otpColumns+` FROM otp_records
		WHERE identifier = $1 AND otp_type = $2 AND verified = false
		ORDER BY created_at DESC
		LIMIT 1
	`, identifier, string(otpType)))
}

func (r *otpRepo) LatestVerified(ctx context.Context, identifier string, otpType model.OtpType) (model.OtpRecord, error) {
	return scanOtp(r.db.QueryRowContext(ctx, `
		SELECT `+otpColumns+` FROM otp_records
		WHERE identifier = $1 AND otp_type = $2 AND verified = true
		ORDER BY verified_at DESC
		LIMIT 1
	`, identifier, string(otpType)))
}

func (r *otpRepo) GetByID(ctx context.Context, id uuid.UUID) (model.OtpRecord, error) {
	return scanOtp(r.db.QueryRowContext(ctx, `SELECT `+otpColumns+` FROM otp_records WHERE id = $1`, id))
}

// RegisterAttempt is a single conditional UPDATE so concurrent verifies cannot lose increments.
func (r *otpRepo) RegisterAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, lockUntil, now time.Time) (model.OtpRecord, error) {
	return scanOtp(r.db.QueryRowContext(ctx, `
		UPDATE otp_records
		SET attempts = attempts + 1,
		    locked_until = CASE WHEN attempts + 1 >= $2 THEN $3 ELSE locked_until END
		WHERE id = $1
		  AND verified = false
		  AND attempts < $2
		  AND (locked_until IS NULL OR locked_until <= $4)
		RETURNING `+otpColumns,
		id, maxAttempts, lockUntil, now))
}

// MarkVerified flips verified on an unverified record; false means another request got there first.
func (r *otpRepo) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE otp_records SET verified = true, verified_at = $2
		WHERE id = $1 AND verified = false
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark verified: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// DeleteExpired removes records that expired before the cutoff and are no longer locked.
func (r *otpRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM otp_records
		WHERE expires_at < $1 AND (locked_until IS NULL OR locked_until < $1)
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired otp records: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
