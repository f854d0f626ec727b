package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/notify"
	"github.com/fmtmentor/server/internal/repo/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "test-secret-key-for-jwt-signing-32b!"

const (
	uaChromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	uaFirefoxLinux  = "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	uaSafariMac     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15"
	uaEdgeWindows   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0"
)

var (
	metaChrome  = model.RequestMeta{IP: "10.0.0.1", UserAgent: uaChromeWindows}
	metaFirefox = model.RequestMeta{IP: "10.0.0.2", UserAgent: uaFirefoxLinux}
	metaSafari  = model.RequestMeta{IP: "10.0.0.3", UserAgent: uaSafariMac}
	metaEdge    = model.RequestMeta{IP: "10.0.0.4", UserAgent: uaEdgeWindows}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sentOtp struct {
	channel notify.Channel
	to      string
	code    string
}

type recordingNotifier struct {
	mu       sync.Mutex
	otps     []sentOtp
	welcomes []string
}

func (n *recordingNotifier) SendOtp(channel notify.Channel, destination, code string, _ time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.otps = append(n.otps, sentOtp{channel: channel, to: destination, code: code})
}

func (n *recordingNotifier) SendWelcome(email, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, email)
}

// lastCode returns the most recent code sent to destination
func (n *recordingNotifier) lastCode(t *testing.T, destination string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.otps) - 1; i >= 0; i-- {
		if n.otps[i].to == destination {
			return n.otps[i].code
		}
	}
	t.Fatalf("no code sent to %s", destination)
	return ""
}

type harnessConfig struct {
	otp    OtpConfig
	device DeviceConfig
}

type harnessOption func(*harnessConfig)

func withOtpMaxAttempts(n int) harnessOption {
	return func(c *harnessConfig) { c.otp.MaxAttempts = n }
}

func withOtpLockout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.otp.Lockout = d }
}

func withTrustClientID() harnessOption {
	return func(c *harnessConfig) { c.device.TrustClientID = true }
}

type harness struct {
	store    *memory.Store
	clock    *fakeClock
	otp      *OtpEngine
	devices  *DeviceRegistry
	jwt      *JWTService
	tokens   *TokenService
	lockout  *LockoutPolicy
	creds    *BcryptVerifier
	notifier *recordingNotifier
	svc      *AuthService
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		otp: OtpConfig{
			Expiry:         5 * time.Minute,
			MaxAttempts:    3,
			Lockout:        10 * time.Minute,
			ResendCooldown: 60 * time.Second,
		},
		device: DeviceConfig{
			MaxSessionsPerUser:   2,
			MaxStreamingSessions: 1,
			InactivityPeriod:     30 * 24 * time.Hour,
		},
	}
	for _, o := range opts {
		o(&cfg)
	}

	log := zaptest.NewLogger(t)
	m := metrics.New()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()

	creds, err := NewBcryptVerifier(store.Users(), bcrypt.MinCost)
	require.NoError(t, err)

	h := &harness{
		store:    store,
		clock:    clock,
		otp:      NewOtpEngine(store.Otps(), cfg.otp, log, m),
		devices:  NewDeviceRegistry(store.Devices(), cfg.device, log, m, nil),
		jwt:      NewJWTService(testJWTSecret, "fmt-auth", 6*time.Hour),
		lockout:  NewLockoutPolicy(store.Users(), 5, 15*time.Minute),
		creds:    creds,
		notifier: &recordingNotifier{},
	}
	h.tokens = NewTokenService(h.jwt, h.devices, store.RefreshTokens(), store.Users(), 14*24*time.Hour, false, log, m, nil)
	h.svc = NewAuthService(Deps{
		Otp:         h.otp,
		Users:       store.Users(),
		Credentials: creds,
		Hasher:      creds,
		Lockout:     h.lockout,
		Tokens:      h.tokens,
		Devices:     h.devices,
		Notifier:    h.notifier,
		Log:         log,
		Metrics:     m,
	}, ServiceConfig{
		OtpExpiry:           cfg.otp.Expiry,
		EmailVerifiedWindow: 30 * time.Minute,
	})

	h.otp.now = clock.Now
	h.devices.now = clock.Now
	h.jwt.now = clock.Now
	h.tokens.now = clock.Now
	h.lockout.now = clock.Now
	h.svc.now = clock.Now
	return h
}

// createUser stores an active, verified user with a bcrypt password
func (h *harness) createUser(t *testing.T, email, password, phone string) model.User {
	t.Helper()
	hash, err := h.creds.Hash(password)
	require.NoError(t, err)
	now := h.clock.Now()
	u, err := h.store.Users().Create(context.Background(), model.User{
		FirstName:        "Test",
		LastName:         "User",
		Email:            email,
		PasswordHash:     hash,
		Role:             model.RoleStudent,
		PhoneNumber:      phone,
		IsActive:         true,
		IsEmailVerified:  true,
		IsMobileVerified: phone != "",
		CreatedAt:        now,
	})
	require.NoError(t, err)
	return u
}
