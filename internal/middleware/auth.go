package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fmtmentor/server/internal/auth"
	"github.com/google/uuid"
)

type contextKey string

const claimsKey contextKey = "claims"

// TokenValidator checks access tokens
type TokenValidator interface {
	Validate(accessToken string) (*auth.JWTClaims, error)
}

// AuthMiddleware validates the bearer access token and attaches its claims to the context
func AuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Missing token")
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				if auth.IsExpired(err) {
					writeError(w, http.StatusUnauthorized, "Access token has expired")
					return
				}
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the access token claims attached by AuthMiddleware
func GetClaims(ctx context.Context) (*auth.JWTClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.JWTClaims)
	return c, ok
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	c, ok := GetClaims(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return c.UserID, true
}

// GetDeviceID extracts device ID from context
func GetDeviceID(ctx context.Context) (uuid.UUID, bool) {
	c, ok := GetClaims(ctx)
	if !ok || c.DeviceID == uuid.Nil {
		return uuid.Nil, false
	}
	return c.DeviceID, true
}

// WithClaims returns a context carrying claims, as AuthMiddleware does
func WithClaims(ctx context.Context, claims *auth.JWTClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// writeError sends the failure envelope
func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
		"data":    nil,
	})
}
