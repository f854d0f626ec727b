package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/fmtmentor/server/internal/auth"
	"github.com/fmtmentor/server/internal/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenHandler handles refresh, rotation and validation of tokens
type TokenHandler struct {
	tokens *auth.TokenService
	log    *zap.Logger
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(tokens *auth.TokenService, log *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: tokens, log: log}
}

// refreshRequest is the request body for POST /token/refresh and /token/rotate
type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type revokeAllResponse struct {
	RevokedTokens int64 `json:"revokedTokens"`
}

type validateResponse struct {
	Valid     bool      `json:"valid"`
	UserID    uuid.UUID `json:"userId"`
	Email     string    `json:"email"`
	DeviceID  uuid.UUID `json:"deviceId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *TokenHandler) decodeRefresh(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "refreshToken is required")
		return "", false
	}
	return token, true
}

// HandleRefresh handles POST /token/refresh. The refresh token is kept; only the access token is new.
func (h *TokenHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := h.decodeRefresh(w, r)
	if !ok {
		return
	}

	pair, err := h.tokens.Refresh(r.Context(), token, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Token refreshed", pair)
}

// HandleRotate handles POST /token/rotate. The presented refresh token is revoked and replaced.
func (h *TokenHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	token, ok := h.decodeRefresh(w, r)
	if !ok {
		return
	}

	pair, err := h.tokens.Rotate(r.Context(), token, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Token rotated", pair)
}

// HandleRevokeAll handles POST /token/revoke-all (protected)
func (h *TokenHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	n, err := h.tokens.RevokeAllUserTokens(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "All sessions revoked", revokeAllResponse{RevokedTokens: n})
}

// HandleValidate handles GET /token/validate (protected); reaching it means the access token is valid
func (h *TokenHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	resp := validateResponse{
		Valid:    true,
		UserID:   claims.UserID,
		Email:    claims.Email(),
		DeviceID: claims.DeviceID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	respondOK(w, "Token is valid", resp)
}

type refreshStatusResponse struct {
	Valid     bool  `json:"valid"`
	ExpiresIn int64 `json:"expiresIn"`
}

// HandleRefreshStatus handles POST /token/status: reports whether a refresh token is still usable
func (h *TokenHandler) HandleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	token, ok := h.decodeRefresh(w, r)
	if !ok {
		return
	}

	remaining, err := h.tokens.RefreshValidity(r.Context(), token)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Refresh token status", refreshStatusResponse{
		Valid:     remaining > 0,
		ExpiresIn: int64(remaining.Seconds()),
	})
}
