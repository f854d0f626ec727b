package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/fmtmentor/server/internal/logger"
	"github.com/fmtmentor/server/internal/metrics"
	"github.com/fmtmentor/server/internal/model"
	"github.com/fmtmentor/server/internal/repo"
	"go.uber.org/zap"
)

const (
	otpMin   = 100000
	otpRange = 900000
)

// OtpConfig tunes the OTP engine
type OtpConfig struct {
	Expiry         time.Duration
	MaxAttempts    int
	Lockout        time.Duration
	ResendCooldown time.Duration
	// DevMode allows codes to appear in logs
	DevMode bool
}

// OtpEngine implements OtpProvider on top of an OtpRepo.
// Every read-check-write step is delegated to a single atomic repository call.
type OtpEngine struct {
	otps    repo.OtpRepo
	cfg     OtpConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewOtpEngine creates a new OTP engine
func NewOtpEngine(otps repo.OtpRepo, cfg OtpConfig, log *zap.Logger, m *metrics.Metrics) *OtpEngine {
	return &OtpEngine{otps: otps, cfg: cfg, log: log, metrics: m, now: time.Now}
}

// Generate enforces the resend cooldown per (identifier, type) and stores a fresh 6-digit code.
func (e *OtpEngine) Generate(ctx context.Context, identifier string, otpType model.OtpType) (string, error) {
	code, err := generateOTPCode()
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}

	now := e.now()
	rec, err := e.otps.CreateWithCooldown(ctx, model.OtpRecord{
		Identifier: identifier,
		Type:       otpType,
		Code:       code,
		CreatedAt:  now,
		ExpiresAt:  now.Add(e.cfg.Expiry),
	}, now.Add(-e.cfg.ResendCooldown))
	if err != nil {
		if errors.Is(err, repo.ErrCooldown) {
			wait := rec.CreatedAt.Add(e.cfg.ResendCooldown).Sub(now)
			seconds := int(math.Ceil(wait.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			return "", apperr.New(apperr.RateLimited,
				fmt.Sprintf("Please wait %d seconds before requesting new OTP", seconds))
		}
		return "", fmt.Errorf("store otp: %w", err)
	}

	e.metrics.OtpGenerated(string(otpType))
	e.log.Info("otp generated",
		zap.String("identifier", logger.MaskIdentifier(identifier)),
		zap.String("type", string(otpType)),
		zap.String("code", logger.Secret(e.cfg.DevMode, code)),
	)
	return code, nil
}

// Verify checks, in order: lock, expiry, attempt budget, code.
// Expired codes return false without consuming an attempt. The attempt that reaches
// MaxAttempts locks the record even when its code is correct.
func (e *OtpEngine) Verify(ctx context.Context, identifier, code string, otpType model.OtpType) (bool, error) {
	now := e.now()
	masked := logger.MaskIdentifier(identifier)

	rec, err := e.otps.LatestPending(ctx, identifier, otpType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.metrics.OtpVerified(string(otpType), "not_found")
			e.log.Info("otp verify: no pending code", zap.String("identifier", masked), zap.String("type", string(otpType)))
			return false, nil
		}
		return false, fmt.Errorf("load otp: %w", err)
	}

	if rec.IsLocked(now) {
		e.metrics.OtpVerified(string(otpType), "locked")
		return false, lockedError(*rec.LockedUntil, now)
	}

	if rec.IsExpired(now) {
		e.metrics.OtpVerified(string(otpType), "expired")
		e.log.Info("otp verify: expired", zap.String("identifier", masked), zap.String("type", string(otpType)))
		return false, nil
	}

	updated, err := e.otps.RegisterAttempt(ctx, rec.ID, e.cfg.MaxAttempts, now.Add(e.cfg.Lockout), now)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("register otp attempt: %w", err)
		}
		// lost a race with a concurrent verify: report the state it left behind
		current, getErr := e.otps.GetByID(ctx, rec.ID)
		if getErr == nil && current.IsLocked(now) {
			e.metrics.OtpVerified(string(otpType), "locked")
			return false, lockedError(*current.LockedUntil, now)
		}
		e.metrics.OtpVerified(string(otpType), "rejected")
		return false, nil
	}

	if updated.Attempts >= e.cfg.MaxAttempts {
		e.metrics.OtpVerified(string(otpType), "locked")
		e.log.Warn("otp locked after max attempts",
			zap.String("identifier", masked),
			zap.String("type", string(otpType)),
			zap.Int("attempts", updated.Attempts),
		)
		return false, apperr.New(apperr.TooManyAttempts,
			fmt.Sprintf("Too many failed attempts. Please try after %d minutes", lockoutMinutes(e.cfg.Lockout)))
	}

	if !constantTimeEqual(rec.Code, code) {
		e.metrics.OtpVerified(string(otpType), "mismatch")
		e.log.Info("otp verify: wrong code",
			zap.String("identifier", masked),
			zap.String("type", string(otpType)),
			zap.Int("attempts", updated.Attempts),
		)
		return false, nil
	}

	ok, err := e.otps.MarkVerified(ctx, rec.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark otp verified: %w", err)
	}
	if !ok {
		e.metrics.OtpVerified(string(otpType), "rejected")
		return false, nil
	}
	e.metrics.OtpVerified(string(otpType), "verified")
	return true, nil
}

// VerifiedSince reports whether identifier has a verified code of otpType whose verification is newer than since
func (e *OtpEngine) VerifiedSince(ctx context.Context, identifier string, otpType model.OtpType, since time.Time) (bool, error) {
	rec, err := e.otps.LatestVerified(ctx, identifier, otpType)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load verified otp: %w", err)
	}
	return rec.VerifiedAt != nil && rec.VerifiedAt.After(since), nil
}

// PurgeExpired deletes codes that expired before cutoff
func (e *OtpEngine) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return e.otps.DeleteExpired(ctx, cutoff)
}

func lockedError(until, now time.Time) error {
	return apperr.New(apperr.TooManyAttempts,
		fmt.Sprintf("Too many failed attempts. Please try after %d minutes", lockoutMinutes(until.Sub(now))))
}

func lockoutMinutes(d time.Duration) int {
	m := int(math.Ceil(d.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// generateOTPCode returns a uniformly random code in [100000, 999999]
func generateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+otpMin), nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
