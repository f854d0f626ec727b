package auth

import (
	"strings"

	"github.com/fmtmentor/server/internal/model"
	"github.com/google/uuid"
)

// fingerprintNamespace scopes name-based device UUIDs
var fingerprintNamespace = uuid.MustParse("6f1c7c2e-4b8a-4d8e-9f55-2a7d1c0e5b31")

const maxUserAgentDisplay = 50

// Fingerprint derives a stable device id from user agent and client IP. With trustClientID the
// client-supplied device id is mixed in, separating clients that share a NAT address and browser.
func Fingerprint(meta model.RequestMeta, trustClientID bool) string {
	ua := meta.UserAgent
	if ua == "" {
		ua = "unknown"
	}
	data := ua + "|" + meta.IP
	if trustClientID && meta.ClientID != "" {
		data += "|" + meta.ClientID
	}
	return uuid.NewMD5(fingerprintNamespace, []byte(data)).String()
}

// DeviceName builds a display name such as "Chrome on Windows 10" from a user agent
func DeviceName(userAgent string) string {
	if userAgent == "" {
		return "Unknown Device"
	}

	browser := "Unknown Browser"
	switch {
	case strings.Contains(userAgent, "Edg"):
		browser = "Edge"
	case strings.Contains(userAgent, "OPR"), strings.Contains(userAgent, "Opera"):
		browser = "Opera"
	case strings.Contains(userAgent, "Firefox"):
		browser = "Firefox"
	case strings.Contains(userAgent, "Chrome"):
		browser = "Chrome"
	case strings.Contains(userAgent, "Safari"):
		browser = "Safari"
	}

	platform := "Unknown OS"
	switch {
	case strings.Contains(userAgent, "Windows NT 10.0"):
		platform = "Windows 10"
	case strings.Contains(userAgent, "Windows NT 11.0"):
		platform = "Windows 11"
	case strings.Contains(userAgent, "Windows"):
		platform = "Windows"
	case strings.Contains(userAgent, "Android"):
		platform = "Android"
	case strings.Contains(userAgent, "iPhone"), strings.Contains(userAgent, "iPad"):
		platform = "iOS"
	case strings.Contains(userAgent, "Mac OS X"):
		platform = "macOS"
	case strings.Contains(userAgent, "Linux"):
		platform = "Linux"
	}

	return browser + " on " + platform
}

// TruncateUserAgent shortens a user agent for display
func TruncateUserAgent(ua string) string {
	if len(ua) <= maxUserAgentDisplay {
		return ua
	}
	return ua[:maxUserAgentDisplay-3] + "..."
}
