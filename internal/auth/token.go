package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
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
	tokenTypeBearer = "Bearer"

	revokeReasonLogout    = "logout"
	revokeReasonRevokeAll = "revoke_all"
)

// TokenPair is returned by every token-minting operation
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int64     `json:"expiresIn"`
	TokenType    string    `json:"tokenType"`
	DeviceID     uuid.UUID `json:"deviceId"`
}

// TokenService issues access tokens and device-bound refresh tokens
type TokenService struct {
	jwt        *JWTService
	devices    *DeviceRegistry
	tokens     repo.RefreshRepo
	users      repo.UserRepo
	refreshTTL time.Duration
	devMode    bool
	log        *zap.Logger
	metrics    *metrics.Metrics
	audit      audit.Recorder
	now        func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(
	jwtService *JWTService,
	devices *DeviceRegistry,
	tokens repo.RefreshRepo,
	users repo.UserRepo,
	refreshTTL time.Duration,
	devMode bool,
	log *zap.Logger,
	m *metrics.Metrics,
	rec audit.Recorder,
) *TokenService {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &TokenService{
		jwt:        jwtService,
		devices:    devices,
		tokens:     tokens,
		users:      users,
		refreshTTL: refreshTTL,
		devMode:    devMode,
		log:        log,
		metrics:    m,
		audit:      rec,
		now:        time.Now,
	}
}

// newRefreshToken returns an opaque base64url value and the SHA-256 hex digest that is stored
func newRefreshToken() (string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *TokenService) pair(access, refresh string, deviceID uuid.UUID) TokenPair {
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.jwt.TTL().Seconds()),
		TokenType:    tokenTypeBearer,
		DeviceID:     deviceID,
	}
}

// IssueTokenPair registers the request's device and mints a fresh pair.
// Any live refresh token of that device is revoked first.
func (s *TokenService) IssueTokenPair(ctx context.Context, user model.User, meta model.RequestMeta) (TokenPair, error) {
	device, err := s.devices.RegisterOrTouch(ctx, user, meta)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := s.jwt.SignAccessToken(user, device)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, hash, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now()
	if _, err := s.tokens.Issue(ctx, model.RefreshToken{
		UserID:    user.ID,
		DeviceID:  device.ID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}); err != nil {
		s.metrics.Token("issue", "error")
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}

	s.metrics.Token("issue", "ok")
	s.log.Info("token pair issued",
		zap.String("user_id", user.ID.String()),
		zap.String("device_id", device.ID.String()),
		zap.String("refresh_token", logger.Secret(s.devMode, refresh)),
	)
	return s.pair(access, refresh, device.ID), nil
}

// loadRefresh resolves a presented refresh token and checks it is live and used from its own device
func (s *TokenService) loadRefresh(ctx context.Context, op, refreshToken string, meta model.RequestMeta) (model.RefreshToken, model.User, error) {
	if refreshToken == "" {
		return model.RefreshToken{}, model.User{}, apperr.New(apperr.InvalidToken, "Invalid refresh token")
	}
	stored, err := s.tokens.FindByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.Token(op, "invalid")
			return model.RefreshToken{}, model.User{}, apperr.New(apperr.InvalidToken, "Invalid refresh token")
		}
		return model.RefreshToken{}, model.User{}, fmt.Errorf("load refresh token: %w", err)
	}
	if !stored.IsValid(s.now()) {
		s.metrics.Token(op, "invalid")
		return model.RefreshToken{}, model.User{}, apperr.New(apperr.InvalidToken, "Refresh token is expired or revoked")
	}

	if fp := s.devices.Fingerprint(meta); fp != stored.DeviceFingerprint {
		s.metrics.Token(op, "device_mismatch")
		s.audit.Record(audit.Event{
			Type:     audit.EventTokenMismatch,
			UserID:   stored.UserID.String(),
			DeviceID: stored.DeviceID.String(),
			IP:       logger.MaskIP(meta.IP),
		})
		s.log.Warn("refresh token used from another device",
			zap.String("user_id", stored.UserID.String()),
			zap.String("device_id", stored.DeviceID.String()),
			zap.String("ip", logger.MaskIP(meta.IP)),
		)
		return model.RefreshToken{}, model.User{}, apperr.New(apperr.DeviceMismatch, "Refresh token does not belong to this device")
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.RefreshToken{}, model.User{}, apperr.New(apperr.InvalidToken, "Invalid refresh token")
		}
		return model.RefreshToken{}, model.User{}, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return model.RefreshToken{}, model.User{}, apperr.New(apperr.InvalidToken, "Invalid refresh token")
	}
	return stored, user, nil
}

// Refresh mints a new access token; the refresh token is returned unchanged
func (s *TokenService) Refresh(ctx context.Context, refreshToken string, meta model.RequestMeta) (TokenPair, error) {
	stored, user, err := s.loadRefresh(ctx, "refresh", refreshToken, meta)
	if err != nil {
		return TokenPair{}, err
	}

	if err := s.devices.Touch(ctx, stored.DeviceID); err != nil {
		s.log.Warn("touch device failed", zap.String("device_id", stored.DeviceID.String()), zap.Error(err))
	}

	access, err := s.jwt.SignAccessToken(user, model.Device{ID: stored.DeviceID, Fingerprint: stored.DeviceFingerprint})
	if err != nil {
		return TokenPair{}, err
	}
	s.metrics.Token("refresh", "ok")
	return s.pair(access, refreshToken, stored.DeviceID), nil
}

// Rotate revokes the presented refresh token (reason "rotated") and issues a brand-new pair
// for the same device. Concurrent rotations of one token succeed at most once.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, meta model.RequestMeta) (TokenPair, error) {
	stored, user, err := s.loadRefresh(ctx, "rotate", refreshToken, meta)
	if err != nil {
		return TokenPair{}, err
	}

	next, hash, err := newRefreshToken()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.now()
	if _, err := s.tokens.Rotate(ctx, stored.ID, model.RefreshToken{
		UserID:    stored.UserID,
		DeviceID:  stored.DeviceID,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTTL),
	}); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.Token("rotate", "invalid")
			return TokenPair{}, apperr.New(apperr.InvalidToken, "Refresh token is expired or revoked")
		}
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	if err := s.devices.Touch(ctx, stored.DeviceID); err != nil {
		s.log.Warn("touch device failed", zap.String("device_id", stored.DeviceID.String()), zap.Error(err))
	}

	access, err := s.jwt.SignAccessToken(user, model.Device{ID: stored.DeviceID, Fingerprint: stored.DeviceFingerprint})
	if err != nil {
		return TokenPair{}, err
	}

	s.metrics.Token("rotate", "ok")
	s.audit.Record(audit.Event{Type: audit.EventTokenRotated, UserID: user.ID.String(), DeviceID: stored.DeviceID.String()})
	return s.pair(access, next, stored.DeviceID), nil
}

// RevokeDeviceTokens soft-revokes every live refresh token of a device
func (s *TokenService) RevokeDeviceTokens(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	n, err := s.tokens.RevokeByDevice(ctx, deviceID, revokeReasonLogout, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke device tokens: %w", err)
	}
	return n, nil
}

// RevokeAllUserTokens soft-revokes every live refresh token of a user
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.tokens.RevokeByUser(ctx, userID, revokeReasonRevokeAll, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens: %w", err)
	}
	s.audit.Record(audit.Event{
		Type:   audit.EventTokensRevoked,
		UserID: userID.String(),
		Detail: map[string]string{"count": fmt.Sprint(n)},
	})
	return n, nil
}

// Validate checks signature and expiry only; there is no per-token revocation list
func (s *TokenService) Validate(accessToken string) (*JWTClaims, error) {
	claims, err := s.jwt.VerifyToken(accessToken)
	if err != nil {
		if IsExpired(err) {
			return nil, apperr.Wrap(apperr.TokenExpired, "Access token has expired", err)
		}
		return nil, apperr.Wrap(apperr.InvalidToken, "Invalid access token", err)
	}
	return claims, nil
}

// RefreshValidity returns how long the refresh token remains usable; zero when it is not
func (s *TokenService) RefreshValidity(ctx context.Context, refreshToken string) (time.Duration, error) {
	stored, err := s.tokens.FindByHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("load refresh token: %w", err)
	}
	now := s.now()
	if !stored.IsValid(now) {
		return 0, nil
	}
	return stored.ExpiresAt.Sub(now), nil
}

// CleanupExpired deletes refresh tokens that are expired or revoked
func (s *TokenService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpiredOrRevoked(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup refresh tokens: %w", err)
	}
	return n, nil
}
