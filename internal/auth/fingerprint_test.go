package auth

import (
	"strings"
	"testing"

	"github.com/fmtmentor/server/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint_isPure(t *testing.T) {
	meta := model.RequestMeta{IP: "203.0.113.9", UserAgent: uaChromeWindows}
	assert.Equal(t, Fingerprint(meta, false), Fingerprint(meta, false))
	assert.Len(t, Fingerprint(meta, false), 36)

	assert.NotEqual(t, Fingerprint(meta, false), Fingerprint(model.RequestMeta{IP: "203.0.113.10", UserAgent: uaChromeWindows}, false))
	assert.NotEqual(t, Fingerprint(meta, false), Fingerprint(model.RequestMeta{IP: "203.0.113.9", UserAgent: uaFirefoxLinux}, false))
}

func TestFingerprint_emptyUserAgent(t *testing.T) {
	a := Fingerprint(model.RequestMeta{IP: "10.0.0.1"}, false)
	b := Fingerprint(model.RequestMeta{IP: "10.0.0.1", UserAgent: "unknown"}, false)
	assert.Equal(t, a, b)
}

func TestFingerprint_clientID(t *testing.T) {
	a := model.RequestMeta{IP: "10.0.0.1", UserAgent: uaChromeWindows, ClientID: "one"}
	b := model.RequestMeta{IP: "10.0.0.1", UserAgent: uaChromeWindows, ClientID: "two"}

	// ignored unless trusted
	assert.Equal(t, Fingerprint(a, false), Fingerprint(b, false))
	assert.NotEqual(t, Fingerprint(a, true), Fingerprint(b, true))

	// no client id behaves like the untrusted form
	c := model.RequestMeta{IP: "10.0.0.1", UserAgent: uaChromeWindows}
	assert.Equal(t, Fingerprint(c, false), Fingerprint(c, true))
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{uaChromeWindows, "Chrome on Windows 10"},
		{uaFirefoxLinux, "Firefox on Linux"},
		{uaSafariMac, "Safari on macOS"},
		{uaEdgeWindows, "Edge on Windows 10"},
		{"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36", "Chrome on Android"},
		{"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1", "Safari on iOS"},
		{"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 OPR/106.0", "Opera on Windows 10"},
		{"curl/8.4.0", "Unknown Browser on Unknown OS"},
		{"", "Unknown Device"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeviceName(tt.ua), tt.ua)
	}
}

func TestTruncateUserAgent(t *testing.T) {
	assert.Equal(t, "short", TruncateUserAgent("short"))

	exact := strings.Repeat("a", 50)
	assert.Equal(t, exact, TruncateUserAgent(exact))

	got := TruncateUserAgent(uaChromeWindows)
	assert.Len(t, got, 50)
	assert.True(t, strings.HasSuffix(got, "..."))
}
