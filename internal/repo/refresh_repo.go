package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// RefreshRepo defines the interface for refresh token repository operations
type RefreshRepo interface {
	// Issue revokes any live token of the device (reason "superseded") and inserts t
	Issue(ctx context.Context, t model.RefreshToken) (model.RefreshToken, error)
	// FindByHash returns the token including revoked or expired ones, with the device fingerprint joined
	FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	// Rotate revokes oldID with reason "rotated" and inserts next; ErrNotFound if oldID was already revoked
	Rotate(ctx context.Context, oldID uuid.UUID, next model.RefreshToken) (model.RefreshToken, error)
	RevokeByDevice(ctx context.Context, deviceID uuid.UUID, reason string, at time.Time) (int64, error)
	RevokeByUser(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int64, error)
	DeleteExpiredOrRevoked(ctx context.Context, now time.Time) (int64, error)
}

const (
	RevokedSuperseded = "superseded"
	RevokedRotated    = "rotated"
)

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

func insertRefreshTx(ctx context.Context, tx *sql.Tx, t model.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, device_id, token_hash, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`, t.ID, t.UserID, t.DeviceID, t.TokenHash, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert refresh token: %w", ErrConflict)
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func revokeDeviceTokensTx(ctx context.Context, tx *sql.Tx, deviceIDs []uuid.UUID, reason string, at time.Time) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	ids := make([]string, len(deviceIDs))
	for i, id := range deviceIDs {
		ids[i] = id.String()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2, revoked_reason = $3
		WHERE device_id = ANY($1::uuid[]) AND NOT revoked
	`, pq.Array(ids), at, reason)
	if err != nil {
		return fmt.Errorf("revoke device tokens: %w", err)
	}
	return nil
}

// Issue serializes per device so revoke-then-insert cannot interleave with a concurrent issue.
func (r *refreshRepo) Issue(ctx context.Context, t model.RefreshToken) (model.RefreshToken, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, lockDevice, t.DeviceID.String()); err != nil {
			return err
		}
		if err := revokeDeviceTokensTx(ctx, tx, []uuid.UUID{t.DeviceID}, RevokedSuperseded, t.CreatedAt); err != nil {
			return err
		}
		return insertRefreshTx(ctx, tx, t)
	})
	if err != nil {
		return model.RefreshToken{}, err
	}
	return t, nil
}

func (r *refreshRepo) FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	var t model.RefreshToken
	var reason sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT rt.id, rt.user_id, rt.device_id, rt.token_hash, rt.created_at, rt.expires_at,
		       rt.revoked, rt.revoked_at, rt.revoked_reason, d.device_fingerprint
		FROM refresh_tokens rt
		JOIN devices d ON d.id = rt.device_id
		WHERE rt.token_hash = $1
	`, tokenHash).Scan(&t.ID, &t.UserID, &t.DeviceID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt,
		&t.Revoked, &t.RevokedAt, &reason, &t.DeviceFingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, fmt.Errorf("refresh token: %w", ErrNotFound)
		}
		return model.RefreshToken{}, fmt.Errorf("query refresh token: %w", err)
	}
	t.RevokedReason = reason.String
	return t, nil
}

func (r *refreshRepo) Rotate(ctx context.Context, oldID uuid.UUID, next model.RefreshToken) (model.RefreshToken, error) {
	if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, lockDevice, next.DeviceID.String()); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens SET revoked = true, revoked_at = $2, revoked_reason = $3
			WHERE id = $1 AND NOT revoked
		`, oldID, next.CreatedAt, RevokedRotated)
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("rotate refresh token: %w", ErrNotFound)
		}
		return insertRefreshTx(ctx, tx, next)
	})
	if err != nil {
		return model.RefreshToken{}, err
	}
	return next, nil
}

func (r *refreshRepo) RevokeByDevice(ctx context.Context, deviceID uuid.UUID, reason string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2, revoked_reason = $3
		WHERE device_id = $1 AND NOT revoked
	`, deviceID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke by device: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *refreshRepo) RevokeByUser(ctx context.Context, userID uuid.UUID, reason string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = $2, revoked_reason = $3
		WHERE user_id = $1 AND NOT revoked
	`, userID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke by user: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *refreshRepo) DeleteExpiredOrRevoked(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens WHERE revoked OR expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
