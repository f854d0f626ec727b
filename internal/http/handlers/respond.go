package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/middleware"
	"github.com/fmtmentor/server/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20

	msgUnexpected = "An unexpected error occurred. Please try again later."

	// deviceIDHeader carries an optional client-generated device id
	deviceIDHeader = "X-Device-Id"
)

// envelope is the uniform response body of every endpoint
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// respondOK sends a success envelope
func respondOK(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// respondWithError sends a failure envelope
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, envelope{Success: false, Message: message})
}

// respondServiceError translates a service error into a status and envelope.
// Errors without a kind are logged and hidden behind a generic message.
func respondServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.Unexpected {
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		respondWithError(w, http.StatusInternalServerError, msgUnexpected)
		return
	}

	body := envelope{Success: false, Message: e.Message}
	if len(e.Fields) > 0 {
		body.Data = e.Fields
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), body)
}

// decodeJSON reads the request body into dst; it writes the 400 itself and reports false on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "Request body is required")
			return false
		}
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// requestMeta collects the client attributes used for device fingerprinting
func requestMeta(r *http.Request) model.RequestMeta {
	return model.RequestMeta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		ClientID:  r.Header.Get(deviceIDHeader),
	}
}

// currentUser returns the authenticated user id; it writes the 401 itself when missing
func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok || userID == uuid.Nil {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return uuid.Nil, false
	}
	return userID, true
}

// NotFound answers unknown routes with the failure envelope
func NotFound(w http.ResponseWriter, _ *http.Request) {
	respondWithError(w, http.StatusNotFound, "Resource not found")
}

// MethodNotAllowed answers known routes called with the wrong method
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
}
