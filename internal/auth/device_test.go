package auth

import (
	"context"
	"testing"
	"time"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerDevices registers one device per meta, a minute apart, oldest first
func (h *harness) registerDevices(t *testing.T, user model.User, metas ...model.RequestMeta) []model.Device {
	t.Helper()
	out := make([]model.Device, 0, len(metas))
	for _, m := range metas {
		d, err := h.devices.RegisterOrTouch(context.Background(), user, m)
		require.NoError(t, err)
		out = append(out, d)
		h.clock.Advance(time.Minute)
	}
	return out
}

func TestRegisterOrTouch_upsertsByFingerprint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	first, err := h.devices.RegisterOrTouch(ctx, user, metaChrome)
	require.NoError(t, err)
	assert.Equal(t, "Chrome on Windows 10", first.DeviceName)
	assert.True(t, first.IsActive)

	h.clock.Advance(time.Hour)
	again, err := h.devices.RegisterOrTouch(ctx, user, metaChrome)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.FirstSeenAt, again.FirstSeenAt)
	assert.Equal(t, h.clock.Now(), again.LastActiveAt)

	count, err := h.store.Devices().CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRegisterOrTouch_reactivatesRevokedDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	d := h.registerDevices(t, user, metaChrome)[0]
	require.NoError(t, h.devices.RevokeDevice(ctx, user.ID, d.ID))

	again, err := h.devices.RegisterOrTouch(ctx, user, metaChrome)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.ID)
	assert.True(t, again.IsActive)
}

func TestRegisterOrTouch_overLimitOnlyWarns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	h.registerDevices(t, user, metaChrome, metaFirefox, metaSafari)
	count, err := h.store.Devices().CountActive(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestHandleDeviceLimit_withinLimit(t *testing.T) {
	h := newHarness(t)
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	h.registerDevices(t, user, metaChrome, metaFirefox)

	res, err := h.devices.HandleDeviceLimit(context.Background(), user.ID, metaChrome)
	require.NoError(t, err)
	assert.False(t, res.OverLimit)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, "Within device limit", res.Message)
}

func TestHandleDeviceLimit_returnsOldestCandidatesExcludingCurrent(t *testing.T) {
	h := newHarness(t)
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	devices := h.registerDevices(t, user, metaChrome, metaFirefox, metaSafari, metaEdge)

	// the second-oldest device is asking
	res, err := h.devices.HandleDeviceLimit(context.Background(), user.ID, metaFirefox)
	require.NoError(t, err)
	assert.True(t, res.OverLimit)
	assert.Equal(t, 4, res.ActiveCount)
	assert.Equal(t, "You have 4 active devices. Maximum allowed is 2.", res.Message)

	require.Len(t, res.Candidates, 3)
	assert.Equal(t, devices[0].ID, res.Candidates[0].DeviceID)
	assert.Equal(t, devices[2].ID, res.Candidates[1].DeviceID)
	assert.Equal(t, devices[3].ID, res.Candidates[2].DeviceID)
	assert.Equal(t, "10.0.0.***", res.Candidates[0].IPAddress)
}

func TestListDevices_marksCurrentAndMasks(t *testing.T) {
	h := newHarness(t)
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	h.registerDevices(t, user, metaChrome, metaFirefox)

	list, err := h.devices.ListDevices(context.Background(), user.ID, metaFirefox)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsCurrentDevice)
	assert.True(t, list[1].IsCurrentDevice)
	assert.Equal(t, "10.0.0.***", list[0].IPAddress)
	assert.LessOrEqual(t, len(list[0].UserAgent), 50)
}

func TestDisconnectDevice_messages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	devices := h.registerDevices(t, user, metaChrome, metaFirefox, metaSafari, metaEdge)

	msg, err := h.devices.DisconnectDevice(ctx, user.ID, devices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Device disconnected. However, you still have 3 active devices. Maximum allowed is 2. Please disconnect another device.", msg)

	msg, err = h.devices.DisconnectDevice(ctx, user.ID, devices[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Device disconnected. You now have 2 active device(s).", msg)
}

func TestRevokeDevice_cascadesToRefreshTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	pair, err := h.tokens.IssueTokenPair(ctx, user, metaChrome)
	require.NoError(t, err)

	require.NoError(t, h.devices.RevokeDevice(ctx, user.ID, pair.DeviceID))

	_, err = h.tokens.Refresh(ctx, pair.RefreshToken, metaChrome)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.InvalidToken))
}

func TestRevokeDevice_otherUsersDeviceIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.createUser(t, "alice@x.com", "Str0ng!Pass", "")
	bob := h.createUser(t, "bob@x.com", "Str0ng!Pass", "")
	d := h.registerDevices(t, alice, metaChrome)[0]

	err := h.devices.RevokeDevice(ctx, bob.ID, d.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	assert.Equal(t, "Device not found", err.Error())

	got, err := h.store.Devices().GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestStartStreaming_singleSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	devices := h.registerDevices(t, user, metaChrome, metaFirefox)

	require.NoError(t, h.devices.StartStreaming(ctx, user.ID, devices[0].ID))
	// same device again is fine
	require.NoError(t, h.devices.StartStreaming(ctx, user.ID, devices[0].ID))

	err := h.devices.StartStreaming(ctx, user.ID, devices[1].ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.AlreadyStreaming))
	assert.False(t, apperr.Is(err, apperr.Conflict))
	assert.Equal(t, "Streaming already active on: Chrome on Windows 10 (10.0.0.***). Stop streaming there first.", err.Error())

	require.NoError(t, h.devices.StopStreaming(ctx, user.ID, devices[0].ID))
	require.NoError(t, h.devices.StopStreaming(ctx, user.ID, devices[0].ID))
	require.NoError(t, h.devices.StartStreaming(ctx, user.ID, devices[1].ID))
}

func TestStartStreaming_inactiveDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")
	d := h.registerDevices(t, user, metaChrome)[0]
	require.NoError(t, h.devices.RevokeDevice(ctx, user.ID, d.ID))

	err := h.devices.StartStreaming(ctx, user.ID, d.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestSweepInactive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	user := h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	stale, err := h.tokens.IssueTokenPair(ctx, user, metaChrome)
	require.NoError(t, err)
	fresh, err := h.tokens.IssueTokenPair(ctx, user, metaFirefox)
	require.NoError(t, err)

	h.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, h.devices.Touch(ctx, fresh.DeviceID))

	n, err := h.devices.SweepInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := h.store.Devices().GetByID(ctx, stale.DeviceID)
	require.NoError(t, err)
	assert.False(t, d.IsActive)

	tok, err := h.store.RefreshTokens().FindByHash(ctx, hashRefreshToken(stale.RefreshToken))
	require.NoError(t, err)
	assert.True(t, tok.Revoked)
	assert.Equal(t, "device_inactive", tok.RevokedReason)

	tok, err = h.store.RefreshTokens().FindByHash(ctx, hashRefreshToken(fresh.RefreshToken))
	require.NoError(t, err)
	assert.False(t, tok.Revoked)
}
