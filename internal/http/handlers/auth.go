package handlers

import (
	"net/http"
	"strings"

	"github.com/fmtmentor/server/internal/auth"
	"go.uber.org/zap"
)

// AuthHandler handles the signup, login and session endpoints
type AuthHandler struct {
	authService *auth.AuthService
	log         *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *auth.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

// verifyMobileRequest is the request body for POST /signup/verify-mobile-otp
type verifyMobileRequest struct {
	auth.SignUpRequest
	Otp string `json:"otp"`
}

// logoutResponse is the data of POST /logout
type logoutResponse struct {
	RevokedTokens int64 `json:"revokedTokens"`
}

// HandleSendEmailOtp handles POST /signup/send-email-otp
func (h *AuthHandler) HandleSendEmailOtp(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	dispatch, err := h.authService.SendEmailOtp(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "OTP sent to your email", dispatch)
}

// HandleVerifyEmailOtp handles POST /signup/verify-email-otp
func (h *AuthHandler) HandleVerifyEmailOtp(w http.ResponseWriter, r *http.Request) {
	var req auth.OtpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Otp = strings.TrimSpace(req.Otp)

	if err := h.authService.VerifyEmailOtp(r.Context(), req); err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Email verified successfully", nil)
}

// HandleSendMobileOtp handles POST /signup/send-mobile-otp
func (h *AuthHandler) HandleSendMobileOtp(w http.ResponseWriter, r *http.Request) {
	var req auth.MobileOtpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)

	dispatch, err := h.authService.SendMobileOtp(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "OTP sent to your mobile number", dispatch)
}

// HandleVerifyMobileOtp handles POST /signup/verify-mobile-otp. A success creates the account and a session.
func (h *AuthHandler) HandleVerifyMobileOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyMobileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)

	result, err := h.authService.VerifyMobileOtpAndRegister(r.Context(), req.SignUpRequest, strings.TrimSpace(req.Otp), requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Registration successful", result)
}

// HandleLogin handles POST /login (step 1: password)
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	challenge, err := h.authService.Login(r.Context(), req, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "OTP sent. Please verify to complete login.", challenge)
}

// HandleVerifyLoginOtp handles POST /login/verify-otp (step 2: code from email or SMS)
func (h *AuthHandler) HandleVerifyLoginOtp(w http.ResponseWriter, r *http.Request) {
	var req auth.OtpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Otp = strings.TrimSpace(req.Otp)

	result, err := h.authService.VerifyLoginOtp(r.Context(), req, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Login successful", result)
}

// HandleLogout handles POST /logout (protected). Only the calling device is signed out.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	n, err := h.authService.Logout(r.Context(), userID, requestMeta(r))
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "Logged out successfully", logoutResponse{RevokedTokens: n})
}

// HandleMe handles GET /me (protected). Returns the authenticated user.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	profile, err := h.authService.Me(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, h.log, err)
		return
	}
	respondOK(w, "User profile", profile)
}
