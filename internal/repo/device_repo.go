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

// DeviceRepo defines the interface for device repository operations
type DeviceRepo interface {
	// Upsert creates the (user, fingerprint) device or reactivates and refreshes the existing row
	Upsert(ctx context.Context, device model.Device) (model.Device, error)
	FindByUserAndFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (model.Device, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.Device, error)
	// ListActive returns active devices ordered by last activity, oldest first
	ListActive(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	CountActive(ctx context.Context, userID uuid.UUID) (int, error)
	ListStreaming(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	// StartStreaming marks the device streaming unless maxStreaming other devices already are.
	// It reports false when the slot is taken.
	StartStreaming(ctx context.Context, userID, deviceID uuid.UUID, maxStreaming int) (bool, error)
	StopStreaming(ctx context.Context, userID, deviceID uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	// DeactivateAndRevoke deactivates the device and revokes its live refresh tokens in one transaction
	DeactivateAndRevoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	// DeactivateInactive deactivates every active device idle since before, revoking their tokens
	DeactivateInactive(ctx context.Context, before time.Time, reason string, at time.Time) ([]uuid.UUID, error)
}

type deviceRepo struct {
	db *sql.DB
}

// NewDeviceRepo creates a new DeviceRepo instance
func NewDeviceRepo(db *sql.DB) DeviceRepo {
	return &deviceRepo{db: db}
}

const deviceColumns = `id, user_id, device_fingerprint, COALESCE(ip_address, ''), COALESCE(user_agent, ''),
	device_name, first_seen_at, last_active_at, is_active, is_streaming`

func scanDevice(row interface{ Scan(...any) error }) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.IPAddress, &d.UserAgent,
		&d.DeviceName, &d.FirstSeenAt, &d.LastActiveAt, &d.IsActive, &d.IsStreaming)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, fmt.Errorf("device: %w", ErrNotFound)
		}
		return model.Device{}, fmt.Errorf("scan device: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) queryDevices(ctx context.Context, query string, args ...any) ([]model.Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Upsert relies on the (user_id, device_fingerprint) unique index; first_seen_at survives reactivation.
func (r *deviceRepo) Upsert(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return scanDevice(r.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, user_id, device_fingerprint, ip_address, user_agent, device_name,
		                     first_seen_at, last_active_at, is_active, is_streaming)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, false)
		ON CONFLICT (user_id, device_fingerprint) DO UPDATE
		SET ip_address = EXCLUDED.ip_address,
		    user_agent = EXCLUDED.user_agent,
		    device_name = EXCLUDED.device_name,
		    last_active_at = EXCLUDED.last_active_at,
		    is_active = true
		RETURNING `+deviceColumns,
		d.ID, d.UserID, d.Fingerprint, d.IPAddress, d.UserAgent, d.DeviceName, d.FirstSeenAt, d.LastActiveAt))
}

func (r *deviceRepo) FindByUserAndFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (model.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND device_fingerprint = $2
	`, userID, fingerprint))
}

func (r *deviceRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Device, error) {
	return scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

func (r *deviceRepo) ListActive(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	return r.queryDevices(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE user_id = $1 AND is_active
		ORDER BY last_active_at ASC, id ASC
	`, userID)
}

func (r *deviceRepo) CountActive(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM devices WHERE user_id = $1 AND is_active
	`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

func (r *deviceRepo) ListStreaming(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	return r.queryDevices(ctx, `
		SELECT `+deviceColumns+` FROM devices
		WHERE user_id = $1 AND is_active AND is_streaming
		ORDER BY last_active_at ASC, id ASC
	`, userID)
}

// StartStreaming holds a per-user advisory lock across the slot count and the flag update.
func (r *deviceRepo) StartStreaming(ctx context.Context, userID, deviceID uuid.UUID, maxStreaming int) (bool, error) {
	started := false
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := advisoryLock(ctx, tx, lockStreaming, userID.String()); err != nil {
			return err
		}

		var others int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM devices
			WHERE user_id = $1 AND is_active AND is_streaming AND id <> $2
		`, userID, deviceID).Scan(&others); err != nil {
			return fmt.Errorf("count streaming devices: %w", err)
		}
		if others >= maxStreaming {
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE devices SET is_streaming = true WHERE id = $1 AND user_id = $2 AND is_active
		`, deviceID, userID)
		if err != nil {
			return fmt.Errorf("start streaming: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("start streaming: %w", ErrNotFound)
		}
		started = true
		return nil
	})
	return started, err
}

func (r *deviceRepo) StopStreaming(ctx context.Context, userID, deviceID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE devices SET is_streaming = false WHERE id = $1 AND user_id = $2
	`, deviceID, userID); err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}
	return nil
}

func (r *deviceRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_active_at = $2 WHERE id = $1 AND last_active_at < $2
	`, id, at); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (r *deviceRepo) DeactivateAndRevoke(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE devices SET is_active = false, is_streaming = false WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("deactivate device: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("deactivate device: %w", ErrNotFound)
		}
		return revokeDeviceTokensTx(ctx, tx, []uuid.UUID{id}, reason, at)
	})
}

func (r *deviceRepo) DeactivateInactive(ctx context.Context, before time.Time, reason string, at time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE devices SET is_active = false, is_streaming = false
			WHERE is_active AND last_active_at < $1
			RETURNING id
		`, before)
		if err != nil {
			return fmt.Errorf("deactivate inactive devices: %w", err)
		}
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan device id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate device ids: %w", err)
		}
		return revokeDeviceTokensTx(ctx, tx, ids, reason, at)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
