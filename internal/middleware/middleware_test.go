package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fmtmentor/server/internal/auth"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "test-secret-key-for-jwt-signing-32b!"

type jwtValidator struct{ jwt *auth.JWTService }

func (v jwtValidator) Validate(token string) (*auth.JWTClaims, error) {
	return v.jwt.VerifyToken(token)
}

func TestMemoryLimiter_slidingWindow(t *testing.T) {
	rl := NewMemoryLimiter(time.Minute, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "ip:1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ip:1")
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "ip:2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "ip:1")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.requests)
}

func TestRedisLimiter_fixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRedisLimiter(client, "rl:otp", time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("rl:otp:ip:10.0.0.1"))
	assert.Equal(t, time.Minute, mr.TTL("rl:otp:ip:10.0.0.1"))

	mr.FastForward(time.Minute + time.Second)
	ok, err = rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewMemoryLimiter(time.Minute, 1)
	h := RateLimitMiddleware(limiter, GetIPKey, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["success"])
}

func TestRateLimitMiddleware_failsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	core, logs := observer.New(zap.WarnLevel)
	h := RateLimitMiddleware(NewRedisLimiter(client, "rl", time.Minute, 1), GetIPKey, zap.New(core))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("rate limiter unavailable").Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
	assert.Equal(t, "ip:203.0.113.7", GetIPKey(req))
}

func TestAuthMiddleware(t *testing.T) {
	jwtService := auth.NewJWTService(testSecret, "fmt-auth", time.Hour)
	user := model.User{ID: uuid.New(), Email: "a@x.com", Role: model.RoleStudent}
	device := model.Device{ID: uuid.New(), Fingerprint: "fp"}
	token, err := jwtService.SignAccessToken(user, device)
	require.NoError(t, err)

	var gotUser, gotDevice uuid.UUID
	h := AuthMiddleware(jwtValidator{jwtService})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUserID(r.Context())
		gotDevice, _ = GetDeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, user.ID, gotUser)
	assert.Equal(t, device.ID, gotDevice)
}

func TestAuthMiddleware_expiredToken(t *testing.T) {
	expired, err := auth.NewJWTService(testSecret, "fmt-auth", -time.Minute).
		SignAccessToken(model.User{ID: uuid.New(), Email: "a@x.com"}, model.Device{ID: uuid.New()})
	require.NoError(t, err)

	h := AuthMiddleware(jwtValidator{auth.NewJWTService(testSecret, "fmt-auth", time.Hour)})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Access token has expired", body["message"])
}

func TestClaimsContext(t *testing.T) {
	_, ok := GetUserID(context.Background())
	assert.False(t, ok)

	userID := uuid.New()
	ctx := WithClaims(context.Background(), &auth.JWTClaims{UserID: userID})
	got, ok := GetUserID(ctx)
	require.True(t, ok)
	assert.Equal(t, userID, got)

	_, ok = GetDeviceID(ctx)
	assert.False(t, ok, "claims without a device")

	deviceID := uuid.New()
	ctx = WithClaims(context.Background(), &auth.JWTClaims{UserID: userID, DeviceID: deviceID})
	got, ok = GetDeviceID(ctx)
	require.True(t, ok)
	assert.Equal(t, deviceID, got)

	claims, ok := GetClaims(ctx)
	require.True(t, ok)
	assert.Equal(t, userID, claims.UserID)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := metrics.New()

	r := chi.NewRouter()
	r.Use(RequestLogger(zap.New(core), m))
	r.Get("/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/123", nil))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/devices/{id}", fields["route"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
}
