package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/model"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTClaims represents the access token claims. Subject carries the user's email.
type JWTClaims struct {
	UserID            uuid.UUID  `json:"userId"`
	Role              model.Role `json:"role"`
	DeviceID          uuid.UUID  `json:"deviceId"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
	jwt.RegisteredClaims
}

// Email returns the subject claim
func (c *JWTClaims) Email() string {
	return c.Subject
}

// JWTService handles JWT token operations
type JWTService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTService creates a new JWT service
func NewJWTService(secret, issuer string, ttl time.Duration) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL returns the access token lifetime
func (s *JWTService) TTL() time.Duration {
	return s.ttl
}

// SignAccessToken creates an HS256 access token bound to a device
func (s *JWTService) SignAccessToken(user model.User, device model.Device) (string, error) {
	now := s.now()
	claims := &JWTClaims{
		UserID:            user.ID,
		Role:              user.Role,
		DeviceID:          device.ID,
		DeviceFingerprint: device.Fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, nil
}

// VerifyToken verifies and parses a JWT token. Expiry failures wrap jwt.ErrTokenExpired.
func (s *JWTService) VerifyToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == uuid.Nil || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token: missing identity claims")
	}

	return claims, nil
}

// IsExpired reports whether err came from an expired token
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
