package logger

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Development mode gets the human-readable encoder.
func New(env string) (*zap.Logger, error) {
	if IsDevelopment(env) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// IsDevelopment reports whether env names a local development environment
func IsDevelopment(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "development", "dev", "local":
		return true
	}
	return false
}

// MaskPhone masks a phone number for logging (e.g., +49******89)
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	prefix := phone[:2]
	suffix := phone[len(phone)-2:]
	return prefix + strings.Repeat("*", len(phone)-4) + suffix
}

// MaskEmail keeps the first character of the local part and the domain (a***@x.com)
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskIdentifier masks an OTP identifier, which is either an email or a phone number
func MaskIdentifier(identifier string) string {
	if strings.Contains(identifier, "@") {
		return MaskEmail(identifier)
	}
	return MaskPhone(identifier)
}

// MaskIP hides the last octet of an IPv4 address; anything else is fully masked
func MaskIP(ip string) string {
	if ip == "" {
		return "unknown"
	}
	parts := strings.Split(ip, ".")
	if len(parts) == 4 {
		return parts[0] + "." + parts[1] + "." + parts[2] + ".***"
	}
	return "***.***.***.***"
}

// Secret returns value unchanged in development and "***" everywhere else.
// Used for OTP codes and tokens.
func Secret(devMode bool, value string) string {
	if devMode {
		return value
	}
	return "***"
}
