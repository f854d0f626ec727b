package auth

import (
	"context"
	"time"

	"github.com/fmtmentor/server/internal/model"
)

// OtpProvider defines the interface for OTP operations
type OtpProvider interface {
	// Generate creates and stores a new code for identifier, returning it for out-of-band delivery
	Generate(ctx context.Context, identifier string, otpType model.OtpType) (string, error)
	// Verify reports whether code matches the latest pending record. A false result with nil error
	// means missing, expired or wrong; lockouts are returned as TooManyAttempts errors.
	Verify(ctx context.Context, identifier, code string, otpType model.OtpType) (bool, error)
	// VerifiedSince reports whether a code of otpType was verified for identifier after since
	VerifiedSince(ctx context.Context, identifier string, otpType model.OtpType, since time.Time) (bool, error)
}
