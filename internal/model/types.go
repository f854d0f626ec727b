package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the platform role stored on a user
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleMentor  Role = "MENTOR"
	RoleAdmin   Role = "ADMIN"
)

// User represents an account on the platform
type User struct {
	ID                  uuid.UUID
	FirstName           string
	LastName            string
	Email               string
	PasswordHash        string
	Role                Role
	PhoneNumber         string
	IsActive            bool
	IsEmailVerified     bool
	EmailVerifiedAt     *time.Time
	IsMobileVerified    bool
	MobileVerifiedAt    *time.Time
	FailedLoginAttempts int
	AccountLockedUntil  *time.Time
	LastLoginAt         *time.Time
	LastLoginIP         string
	CreatedAt           time.Time
}

// IsLocked reports whether the account lock is still in force at now
func (u User) IsLocked(now time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(now)
}

// FullName joins first and last name
func (u User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// OtpType distinguishes the purpose of a one-time code
type OtpType string

const (
	OtpEmailVerification  OtpType = "EMAIL_VERIFICATION"
	OtpMobileVerification OtpType = "MOBILE_VERIFICATION"
	OtpLogin              OtpType = "LOGIN"
)

// OtpRecord is a persisted one-time code for an identifier (email or phone)
type OtpRecord struct {
	ID          uuid.UUID
	Identifier  string
	Type        OtpType
	Code        string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	Verified    bool
	VerifiedAt  *time.Time
	LockedUntil *time.Time
}

// IsExpired reports whether the code is past its expiry at now
func (o OtpRecord) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// IsLocked reports whether the record is locked out at now
func (o OtpRecord) IsLocked(now time.Time) bool {
	return o.LockedUntil != nil && now.Before(*o.LockedUntil)
}

// Device represents a fingerprinted client belonging to a user
type Device struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Fingerprint  string
	IPAddress    string
	UserAgent    string
	DeviceName   string
	FirstSeenAt  time.Time
	LastActiveAt time.Time
	IsActive     bool
	IsStreaming  bool
}

// DeviceSummary is the client-facing view of a device
type DeviceSummary struct {
	DeviceID        uuid.UUID `json:"deviceId"`
	DeviceName      string    `json:"deviceName"`
	IPAddress       string    `json:"ipAddress"`
	LastActive      time.Time `json:"lastActive"`
	FirstSeen       time.Time `json:"firstSeen,omitempty"`
	IsStreaming     bool      `json:"isStreaming"`
	UserAgent       string    `json:"userAgent,omitempty"`
	IsCurrentDevice bool      `json:"isCurrentDevice"`
}

// RefreshToken represents a persisted, device-bound refresh token.
// Only the SHA-256 hash of the opaque value is stored.
type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	DeviceID      uuid.UUID
	TokenHash     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
	RevokedReason string

	// DeviceFingerprint is joined from the owning device on lookup
	DeviceFingerprint string
}

// IsValid reports whether the token is neither revoked nor expired at now
func (t RefreshToken) IsValid(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// RequestMeta carries the client metadata used for device fingerprinting
type RequestMeta struct {
	IP        string
	UserAgent string
	// ClientID is an optional client-supplied device id cookie/header value
	ClientID string
}
