package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/audit"
	"github.com/fmtmentor/server/internal/logger"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	revokeReasonUser     = "device_revoked"
	revokeReasonInactive = "device_inactive"
)

// DeviceConfig tunes the device registry
type DeviceConfig struct {
	MaxSessionsPerUser   int
	MaxStreamingSessions int
	InactivityPeriod     time.Duration
	TrustClientID        bool
}

// DeviceLimitResult is the outcome of a device-limit check
type DeviceLimitResult struct {
	OverLimit   bool
	ActiveCount int
	Message     string
	// Candidates are the devices the caller may disconnect, oldest activity first
	Candidates []model.DeviceSummary
}

// DeviceRegistry tracks fingerprinted devices per user and enforces the device and streaming limits
type DeviceRegistry struct {
	devices repo.DeviceRepo
	cfg     DeviceConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	audit   audit.Recorder
	now     func() time.Time
}

// NewDeviceRegistry creates a new device registry
func NewDeviceRegistry(devices repo.DeviceRepo, cfg DeviceConfig, log *zap.Logger, m *metrics.Metrics, rec audit.Recorder) *DeviceRegistry {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &DeviceRegistry{devices: devices, cfg: cfg, log: log, metrics: m, audit: rec, now: time.Now}
}

// Fingerprint derives the device identity of a request
func (r *DeviceRegistry) Fingerprint(meta model.RequestMeta) string {
	return Fingerprint(meta, r.cfg.TrustClientID)
}

// RegisterOrTouch upserts the device of the request. Exceeding the session limit is only logged;
// eviction is left to HandleDeviceLimit and DisconnectDevice.
func (r *DeviceRegistry) RegisterOrTouch(ctx context.Context, user model.User, meta model.RequestMeta) (model.Device, error) {
	now := r.now()
	device, err := r.devices.Upsert(ctx, model.Device{
		UserID:       user.ID,
		Fingerprint:  r.Fingerprint(meta),
		IPAddress:    meta.IP,
		UserAgent:    meta.UserAgent,
		DeviceName:   DeviceName(meta.UserAgent),
		FirstSeenAt:  now,
		LastActiveAt: now,
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("register device: %w", err)
	}

	active, err := r.devices.CountActive(ctx, user.ID)
	if err != nil {
		return model.Device{}, fmt.Errorf("count active devices: %w", err)
	}
	if active > r.cfg.MaxSessionsPerUser {
		r.log.Warn("user exceeds device limit",
			zap.String("user_id", user.ID.String()),
			zap.Int("active_devices", active),
			zap.Int("limit", r.cfg.MaxSessionsPerUser),
		)
	}
	return device, nil
}

// CurrentDevice finds the device matching the request fingerprint
func (r *DeviceRegistry) CurrentDevice(ctx context.Context, userID uuid.UUID, meta model.RequestMeta) (model.Device, error) {
	return r.devices.FindByUserAndFingerprint(ctx, userID, r.Fingerprint(meta))
}

// ListDevices returns the user's active devices for display
func (r *DeviceRegistry) ListDevices(ctx context.Context, userID uuid.UUID, meta model.RequestMeta) ([]model.DeviceSummary, error) {
	devices, err := r.devices.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	current := r.Fingerprint(meta)
	out := make([]model.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, model.DeviceSummary{
			DeviceID:        d.ID,
			DeviceName:      d.DeviceName,
			IPAddress:       logger.MaskIP(d.IPAddress),
			LastActive:      d.LastActiveAt,
			FirstSeen:       d.FirstSeenAt,
			IsStreaming:     d.IsStreaming,
			UserAgent:       TruncateUserAgent(d.UserAgent),
			IsCurrentDevice: d.Fingerprint == current,
		})
	}
	return out, nil
}

// HandleDeviceLimit lists exactly enough eviction candidates to get back under the limit.
// The requesting device is never offered.
func (r *DeviceRegistry) HandleDeviceLimit(ctx context.Context, userID uuid.UUID, meta model.RequestMeta) (DeviceLimitResult, error) {
	devices, err := r.devices.ListActive(ctx, userID)
	if err != nil {
		return DeviceLimitResult{}, fmt.Errorf("list devices: %w", err)
	}
	active := len(devices)
	limit := r.cfg.MaxSessionsPerUser
	if active <= limit {
		return DeviceLimitResult{ActiveCount: active, Message: "Within device limit"}, nil
	}

	current := r.Fingerprint(meta)
	want := active - limit + 1
	candidates := make([]model.DeviceSummary, 0, want)
	for _, d := range devices {
		if len(candidates) == want {
			break
		}
		if d.Fingerprint == current {
			continue
		}
		candidates = append(candidates, model.DeviceSummary{
			DeviceID:   d.ID,
			DeviceName: d.DeviceName,
			IPAddress:  logger.MaskIP(d.IPAddress),
			LastActive: d.LastActiveAt,
		})
	}

	return DeviceLimitResult{
		OverLimit:   true,
		ActiveCount: active,
		Message:     fmt.Sprintf("You have %d active devices. Maximum allowed is %d.", active, limit),
		Candidates:  candidates,
	}, nil
}

// owned loads a device and hides devices of other users behind NotFound
func (r *DeviceRegistry) owned(ctx context.Context, userID, deviceID uuid.UUID) (model.Device, error) {
	d, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Device{}, apperr.New(apperr.NotFound, "Device not found")
		}
		return model.Device{}, fmt.Errorf("load device: %w", err)
	}
	if d.UserID != userID {
		r.log.Warn("device access by non-owner",
			zap.String("user_id", userID.String()), zap.String("device_id", deviceID.String()))
		return model.Device{}, apperr.New(apperr.NotFound, "Device not found")
	}
	return d, nil
}

// RevokeDevice deactivates the device and revokes its refresh tokens
func (r *DeviceRegistry) RevokeDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	if _, err := r.owned(ctx, userID, deviceID); err != nil {
		return err
	}
	if err := r.devices.DeactivateAndRevoke(ctx, deviceID, revokeReasonUser, r.now()); err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	r.metrics.DeviceRevoked("user", 1)
	r.audit.Record(audit.Event{Type: audit.EventDeviceRevoked, UserID: userID.String(), DeviceID: deviceID.String()})
	r.log.Info("device revoked", zap.String("user_id", userID.String()), zap.String("device_id", deviceID.String()))
	return nil
}

// DisconnectDevice revokes a device and reports whether the user is now within the limit
func (r *DeviceRegistry) DisconnectDevice(ctx context.Context, userID, deviceID uuid.UUID) (string, error) {
	if err := r.RevokeDevice(ctx, userID, deviceID); err != nil {
		return "", err
	}
	active, err := r.devices.CountActive(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("count active devices: %w", err)
	}
	if active <= r.cfg.MaxSessionsPerUser {
		return fmt.Sprintf("Device disconnected. You now have %d active device(s).", active), nil
	}
	return fmt.Sprintf("Device disconnected. However, you still have %d active devices. Maximum allowed is %d. Please disconnect another device.",
		active, r.cfg.MaxSessionsPerUser), nil
}

// StartStreaming claims a streaming slot for the device
func (r *DeviceRegistry) StartStreaming(ctx context.Context, userID, deviceID uuid.UUID) error {
	d, err := r.owned(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !d.IsActive {
		return apperr.New(apperr.NotFound, "Device not found")
	}

	started, err := r.devices.StartStreaming(ctx, userID, deviceID, r.cfg.MaxStreamingSessions)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return apperr.New(apperr.NotFound, "Device not found")
		}
		return fmt.Errorf("start streaming: %w", err)
	}
	if started {
		r.log.Info("streaming started", zap.String("device_id", deviceID.String()))
		return nil
	}

	streaming, err := r.devices.ListStreaming(ctx, userID)
	if err != nil {
		return fmt.Errorf("list streaming devices: %w", err)
	}
	names := make([]string, 0, len(streaming))
	for _, s := range streaming {
		if s.ID == deviceID {
			continue
		}
		names = append(names, fmt.Sprintf("%s (%s)", s.DeviceName, logger.MaskIP(s.IPAddress)))
	}
	r.audit.Record(audit.Event{Type: audit.EventStreamingDenied, UserID: userID.String(), DeviceID: deviceID.String()})
	return apperr.New(apperr.AlreadyStreaming,
		fmt.Sprintf("Streaming already active on: %s. Stop streaming there first.", strings.Join(names, ", ")))
}

// StopStreaming clears the streaming flag; repeated calls succeed
func (r *DeviceRegistry) StopStreaming(ctx context.Context, userID, deviceID uuid.UUID) error {
	if _, err := r.owned(ctx, userID, deviceID); err != nil {
		return err
	}
	if err := r.devices.StopStreaming(ctx, userID, deviceID); err != nil {
		return fmt.Errorf("stop streaming: %w", err)
	}
	return nil
}

// Touch refreshes the device's last activity
func (r *DeviceRegistry) Touch(ctx context.Context, deviceID uuid.UUID) error {
	return r.devices.Touch(ctx, deviceID, r.now())
}

// SweepInactive deactivates devices idle longer than the inactivity period and revokes their tokens
func (r *DeviceRegistry) SweepInactive(ctx context.Context) (int, error) {
	now := r.now()
	ids, err := r.devices.DeactivateInactive(ctx, now.Add(-r.cfg.InactivityPeriod), revokeReasonInactive, now)
	if err != nil {
		return 0, fmt.Errorf("sweep inactive devices: %w", err)
	}
	if len(ids) > 0 {
		r.metrics.DeviceRevoked("inactive", len(ids))
		r.audit.Record(audit.Event{
			Type:   audit.EventDevicesSwept,
			Detail: map[string]string{"count": fmt.Sprint(len(ids))},
		})
	}
	return len(ids), nil
}
