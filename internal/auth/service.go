package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/audit"
	"github.com/fmtmentor/server/internal/logger"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/notify"
	"github.com/fmtmentor/server/internal/repo"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const msgInvalidOtp = "Invalid or expired OTP"

// Notifier delivers codes and welcome messages without blocking the caller
type Notifier interface {
	SendOtp(channel notify.Channel, destination, code string, expiry time.Duration)
	SendWelcome(email, name, role string)
}

// PasswordHasher produces stored password hashes
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// ServiceConfig tunes the signup and login flows
type ServiceConfig struct {
	OtpExpiry time.Duration
	// EmailVerifiedWindow bounds how old an email verification may be when the mobile steps run
	EmailVerifiedWindow time.Duration
	// ExposeCodes echoes generated codes in responses (development only)
	ExposeCodes bool
}

// OtpDispatch describes a code that was queued for delivery
type OtpDispatch struct {
	Destination string `json:"destination"`
	ExpiresIn   int64  `json:"expiresIn"`
	DevOtp      string `json:"devOtp,omitempty"`
}

// LoginChallenge is returned once the password is accepted
type LoginChallenge struct {
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	ExpiresIn    int64  `json:"expiresIn"`
	DevEmailOtp  string `json:"devEmailOtp,omitempty"`
	DevMobileOtp string `json:"devMobileOtp,omitempty"`
}

// UserProfile is the public view of a user
type UserProfile struct {
	ID               uuid.UUID  `json:"id"`
	Email            string     `json:"email"`
	FirstName        string     `json:"firstName"`
	LastName         string     `json:"lastName"`
	Role             model.Role `json:"role"`
	PhoneNumber      string     `json:"phoneNumber,omitempty"`
	IsEmailVerified  bool       `json:"isEmailVerified"`
	IsMobileVerified bool       `json:"isMobileVerified"`
	LastLoginAt      *time.Time `json:"lastLoginAt,omitempty"`
}

// AuthResult is returned by the steps that end in a session
type AuthResult struct {
	User UserProfile `json:"user"`
	TokenPair
}

func profileOf(u model.User) UserProfile {
	return UserProfile{
		ID:               u.ID,
		Email:            u.Email,
		FirstName:        u.FirstName,
		LastName:         u.LastName,
		Role:             u.Role,
		PhoneNumber:      u.PhoneNumber,
		IsEmailVerified:  u.IsEmailVerified,
		IsMobileVerified: u.IsMobileVerified,
		LastLoginAt:      u.LastLoginAt,
	}
}

// AuthService orchestrates the multi-step signup and login protocols
type AuthService struct {
	otp         OtpProvider
	users       repo.UserRepo
	credentials CredentialVerifier
	hasher      PasswordHasher
	lockout     *LockoutPolicy
	tokens      *TokenService
	devices     *DeviceRegistry
	notifier    Notifier
	validate    *Validator
	cfg         ServiceConfig
	log         *zap.Logger
	metrics     *metrics.Metrics
	audit       audit.Recorder
	now         func() time.Time
}

// Deps groups the collaborators of AuthService
type Deps struct {
	Otp         OtpProvider
	Users       repo.UserRepo
	Credentials CredentialVerifier
	Hasher      PasswordHasher
	Lockout     *LockoutPolicy
	Tokens      *TokenService
	Devices     *DeviceRegistry
	Notifier    Notifier
	Log         *zap.Logger
	Metrics     *metrics.Metrics
	Audit       audit.Recorder
}

// NewAuthService creates a new auth service
func NewAuthService(d Deps, cfg ServiceConfig) *AuthService {
	rec := d.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &AuthService{
		otp:         d.Otp,
		users:       d.Users,
		credentials: d.Credentials,
		hasher:      d.Hasher,
		lockout:     d.Lockout,
		tokens:      d.Tokens,
		devices:     d.Devices,
		notifier:    d.Notifier,
		validate:    NewValidator(),
		cfg:         cfg,
		log:         d.Log,
		metrics:     d.Metrics,
		audit:       rec,
		now:         time.Now,
	}
}

func (s *AuthService) devCode(code string) string {
	if s.cfg.ExposeCodes {
		return code
	}
	return ""
}

func (s *AuthService) ensureEmailAvailable(ctx context.Context, email string) error {
	exists, err := s.users.ExistsByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("check email: %w", err)
	}
	if exists {
		return apperr.New(apperr.Conflict, "Email is already registered")
	}
	return nil
}

func (s *AuthService) ensureEmailVerified(ctx context.Context, email string) error {
	ok, err := s.otp.VerifiedSince(ctx, email, model.OtpEmailVerification, s.now().Add(-s.cfg.EmailVerifiedWindow))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.ValidationFailed, "Email is not verified. Please verify your email first.")
	}
	return nil
}

// SendEmailOtp is signup step 1
func (s *AuthService) SendEmailOtp(ctx context.Context, req SignUpRequest) (OtpDispatch, error) {
	if err := s.validate.Struct(req); err != nil {
		return OtpDispatch{}, err
	}
	email := normalizeEmail(req.Email)
	if err := s.ensureEmailAvailable(ctx, email); err != nil {
		return OtpDispatch{}, err
	}

	code, err := s.otp.Generate(ctx, email, model.OtpEmailVerification)
	if err != nil {
		return OtpDispatch{}, err
	}
	s.notifier.SendOtp(notify.Email, email, code, s.cfg.OtpExpiry)

	s.log.Info("signup: email otp sent", zap.String("email", logger.MaskEmail(email)))
	return OtpDispatch{
		Destination: logger.MaskEmail(email),
		ExpiresIn:   int64(s.cfg.OtpExpiry.Seconds()),
		DevOtp:      s.devCode(code),
	}, nil
}

// VerifyEmailOtp is signup step 2
func (s *AuthService) VerifyEmailOtp(ctx context.Context, req OtpRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	email := normalizeEmail(req.Email)
	ok, err := s.otp.Verify(ctx, email, req.Otp, model.OtpEmailVerification)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.ValidationFailed, msgInvalidOtp)
	}
	s.log.Info("signup: email verified", zap.String("email", logger.MaskEmail(email)))
	return nil
}

// SendMobileOtp is signup step 3; the email must have been verified recently
func (s *AuthService) SendMobileOtp(ctx context.Context, req MobileOtpRequest) (OtpDispatch, error) {
	if err := s.validate.Struct(req); err != nil {
		return OtpDispatch{}, err
	}
	email := normalizeEmail(req.Email)
	if err := s.ensureEmailVerified(ctx, email); err != nil {
		return OtpDispatch{}, err
	}

	code, err := s.otp.Generate(ctx, req.PhoneNumber, model.OtpMobileVerification)
	if err != nil {
		return OtpDispatch{}, err
	}
	s.notifier.SendOtp(notify.SMS, req.PhoneNumber, code, s.cfg.OtpExpiry)

	s.log.Info("signup: mobile otp sent",
		zap.String("email", logger.MaskEmail(email)),
		zap.String("phone", logger.MaskPhone(req.PhoneNumber)),
	)
	return OtpDispatch{
		Destination: logger.MaskPhone(req.PhoneNumber),
		ExpiresIn:   int64(s.cfg.OtpExpiry.Seconds()),
		DevOtp:      s.devCode(code),
	}, nil
}

// VerifyMobileOtpAndRegister is signup step 4. It creates the user and logs them in.
func (s *AuthService) VerifyMobileOtpAndRegister(ctx context.Context, req SignUpRequest, otp string, meta model.RequestMeta) (AuthResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return AuthResult{}, err
	}
	if req.PhoneNumber == "" {
		return AuthResult{}, apperr.Validation(map[string]string{"phoneNumber": "phoneNumber is required"})
	}
	if !otpPattern.MatchString(otp) {
		return AuthResult{}, apperr.Validation(map[string]string{"otp": "OTP must be 6 digits"})
	}
	email := normalizeEmail(req.Email)

	if err := s.ensureEmailAvailable(ctx, email); err != nil {
		return AuthResult{}, err
	}
	if err := s.ensureEmailVerified(ctx, email); err != nil {
		return AuthResult{}, err
	}

	// hash first: a failure here must leave the mobile code unspent
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return AuthResult{}, err
	}

	ok, err := s.otp.Verify(ctx, req.PhoneNumber, otp, model.OtpMobileVerification)
	if err != nil {
		if apperr.Is(err, apperr.TooManyAttempts) {
			s.audit.Record(audit.Event{Type: audit.EventOtpLocked, Subject: logger.MaskPhone(req.PhoneNumber)})
		}
		return AuthResult{}, err
	}
	if !ok {
		return AuthResult{}, apperr.New(apperr.ValidationFailed, msgInvalidOtp)
	}
	now := s.now()
	user, err := s.users.Create(ctx, model.User{
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		Email:            email,
		PasswordHash:     hash,
		Role:             model.RoleStudent,
		PhoneNumber:      req.PhoneNumber,
		IsActive:         true,
		IsEmailVerified:  true,
		EmailVerifiedAt:  &now,
		IsMobileVerified: true,
		MobileVerifiedAt: &now,
		CreatedAt:        now,
	})
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return AuthResult{}, apperr.New(apperr.Conflict, "Email is already registered")
		}
		return AuthResult{}, err
	}

	s.notifier.SendWelcome(user.Email, user.FullName(), string(user.Role))
	s.audit.Record(audit.Event{Type: audit.EventRegistered, UserID: user.ID.String(), Subject: logger.MaskEmail(email), IP: logger.MaskIP(meta.IP)})
	s.log.Info("user registered", zap.String("user_id", user.ID.String()), zap.String("email", logger.MaskEmail(email)))

	return s.startSession(ctx, user, meta)
}

// Login is login step 1: check the password and send LOGIN codes to email and phone
func (s *AuthService) Login(ctx context.Context, req LoginRequest, meta model.RequestMeta) (LoginChallenge, error) {
	if err := s.validate.Struct(req); err != nil {
		return LoginChallenge{}, err
	}
	email := normalizeEmail(req.Email)
	masked := logger.MaskEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.Login("password", "unknown_user")
			s.log.Warn("login failed: unknown email", zap.String("email", masked))
			return LoginChallenge{}, apperr.New(apperr.BadCredentials, "Invalid email or password")
		}
		return LoginChallenge{}, fmt.Errorf("load user: %w", err)
	}
	if err := s.lockout.Check(user); err != nil {
		s.metrics.Login("password", "locked")
		s.log.Warn("login failed: account locked", zap.String("email", masked))
		return LoginChallenge{}, err
	}
	if !user.IsActive {
		s.metrics.Login("password", "inactive")
		return LoginChallenge{}, apperr.New(apperr.BadCredentials, "Invalid email or password")
	}

	if _, err := s.credentials.Authenticate(ctx, email, req.Password); err != nil {
		if !apperr.Is(err, apperr.BadCredentials) {
			return LoginChallenge{}, err
		}
		return LoginChallenge{}, s.passwordFailed(ctx, user, meta, err)
	}

	emailCode, phoneCode, err := s.generateLoginCodes(ctx, email, user.PhoneNumber)
	if err != nil {
		return LoginChallenge{}, err
	}

	if emailCode != "" {
		s.notifier.SendOtp(notify.Email, email, emailCode, s.cfg.OtpExpiry)
	}
	if phoneCode != "" {
		s.notifier.SendOtp(notify.SMS, user.PhoneNumber, phoneCode, s.cfg.OtpExpiry)
	}

	s.metrics.Login("password", "ok")
	s.audit.Record(audit.Event{Type: audit.EventLoginPassword, UserID: user.ID.String(), Subject: masked, IP: logger.MaskIP(meta.IP)})
	s.log.Info("login: password verified, otp sent", zap.String("email", masked))

	challenge := LoginChallenge{
		Email:       masked,
		ExpiresIn:   int64(s.cfg.OtpExpiry.Seconds()),
		DevEmailOtp: s.devCode(emailCode),
	}
	if phoneCode != "" {
		challenge.Phone = logger.MaskPhone(user.PhoneNumber)
		challenge.DevMobileOtp = s.devCode(phoneCode)
	}
	return challenge, nil
}

// generateLoginCodes creates the email and phone LOGIN codes. A cooldown on one channel
// only drops that channel; the request fails when no code could be created.
func (s *AuthService) generateLoginCodes(ctx context.Context, email, phone string) (string, string, error) {
	emailCode, emailErr := s.otp.Generate(ctx, email, model.OtpLogin)
	if emailErr != nil && !apperr.Is(emailErr, apperr.RateLimited) {
		return "", "", emailErr
	}
	if phone == "" {
		return emailCode, "", emailErr
	}

	phoneCode, phoneErr := s.otp.Generate(ctx, phone, model.OtpLogin)
	if phoneErr != nil && !apperr.Is(phoneErr, apperr.RateLimited) {
		return "", "", phoneErr
	}
	switch {
	case emailErr != nil && phoneErr != nil:
		return "", "", emailErr
	case emailErr != nil:
		s.log.Warn("login: email code in cooldown, sending SMS only", zap.String("email", logger.MaskEmail(email)))
	case phoneErr != nil:
		s.log.Warn("login: phone code in cooldown, sending email only", zap.String("phone", logger.MaskPhone(phone)))
	}
	return emailCode, phoneCode, nil
}

func (s *AuthService) passwordFailed(ctx context.Context, user model.User, meta model.RequestMeta, cause error) error {
	masked := logger.MaskEmail(user.Email)
	locked, err := s.lockout.RegisterFailure(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("register failed login: %w", err)
	}
	s.audit.Record(audit.Event{Type: audit.EventLoginFailed, UserID: user.ID.String(), Subject: masked, IP: logger.MaskIP(meta.IP)})
	if locked {
		s.metrics.Login("password", "locked")
		s.metrics.AccountLocked()
		s.audit.Record(audit.Event{Type: audit.EventAccountLocked, UserID: user.ID.String(), Subject: masked})
		s.log.Warn("account locked after failed logins", zap.String("email", masked))
		return s.lockout.lockedError()
	}
	s.metrics.Login("password", "bad_credentials")
	s.log.Warn("login failed: invalid credentials", zap.String("email", masked))
	return cause
}

// VerifyLoginOtp is login step 2. The code is checked against the email record first, then the phone record.
func (s *AuthService) VerifyLoginOtp(ctx context.Context, req OtpRequest, meta model.RequestMeta) (AuthResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return AuthResult{}, err
	}
	email := normalizeEmail(req.Email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.metrics.Login("otp", "unknown_user")
			return AuthResult{}, apperr.New(apperr.BadCredentials, msgInvalidOtp)
		}
		return AuthResult{}, fmt.Errorf("load user: %w", err)
	}
	if err := s.lockout.Check(user); err != nil {
		s.metrics.Login("otp", "locked")
		return AuthResult{}, err
	}

	ok, emailErr := s.otp.Verify(ctx, email, req.Otp, model.OtpLogin)
	var phoneErr error
	if !ok && user.PhoneNumber != "" {
		ok, phoneErr = s.otp.Verify(ctx, user.PhoneNumber, req.Otp, model.OtpLogin)
	}
	if !ok {
		s.metrics.Login("otp", "rejected")
		for _, err := range []error{emailErr, phoneErr} {
			if err == nil {
				continue
			}
			if apperr.Is(err, apperr.TooManyAttempts) {
				s.audit.Record(audit.Event{Type: audit.EventOtpLocked, UserID: user.ID.String(), Subject: logger.MaskEmail(email)})
			}
			return AuthResult{}, err
		}
		return AuthResult{}, apperr.New(apperr.BadCredentials, msgInvalidOtp)
	}

	if err := s.lockout.RegisterSuccess(ctx, email); err != nil {
		return AuthResult{}, fmt.Errorf("reset failed logins: %w", err)
	}
	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil

	s.metrics.Login("otp", "ok")
	s.audit.Record(audit.Event{Type: audit.EventLoginSucceeded, UserID: user.ID.String(), Subject: logger.MaskEmail(email), IP: logger.MaskIP(meta.IP)})
	s.log.Info("login successful", zap.String("user_id", user.ID.String()))
	return s.startSession(ctx, user, meta)
}

func (s *AuthService) startSession(ctx context.Context, user model.User, meta model.RequestMeta) (AuthResult, error) {
	now := s.now()
	if err := s.users.RecordLogin(ctx, user.ID, now, meta.IP); err != nil {
		return AuthResult{}, err
	}
	user.LastLoginAt = &now
	user.LastLoginIP = meta.IP

	pair, err := s.tokens.IssueTokenPair(ctx, user, meta)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{User: profileOf(user), TokenPair: pair}, nil
}

// Logout revokes the refresh tokens of the requesting device only. It reports how many were revoked.
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID, meta model.RequestMeta) (int64, error) {
	device, err := s.devices.CurrentDevice(ctx, userID, meta)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("find current device: %w", err)
	}
	n, err := s.tokens.RevokeDeviceTokens(ctx, device.ID)
	if err != nil {
		return 0, err
	}
	s.audit.Record(audit.Event{Type: audit.EventLogout, UserID: userID.String(), DeviceID: device.ID.String()})
	s.log.Info("logout", zap.String("user_id", userID.String()), zap.String("device_id", device.ID.String()), zap.Int64("revoked", n))
	return n, nil
}

// Me returns the profile of the authenticated user
func (s *AuthService) Me(ctx context.Context, userID uuid.UUID) (UserProfile, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return UserProfile{}, apperr.New(apperr.NotFound, "User not found")
		}
		return UserProfile{}, fmt.Errorf("load user: %w", err)
	}
	return profileOf(user), nil
}
