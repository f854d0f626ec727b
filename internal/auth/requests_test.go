package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/fmtmentor/server/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrongPassword(t *testing.T) {
	assert.True(t, strongPassword("Str0ng!Pass"))
	assert.False(t, strongPassword("str0ng!pass"), "no upper case")
	assert.False(t, strongPassword("STR0NG!PASS"), "no lower case")
	assert.False(t, strongPassword("Strong!Pass"), "no digit")
	assert.False(t, strongPassword("Str0ngPass1"), "no special")
	assert.False(t, strongPassword("Str0ng! Pass"), "whitespace")
}

func TestValidator_otpAndPhone(t *testing.T) {
	v := NewValidator()

	require.NoError(t, v.Struct(OtpRequest{Email: "a@x.com", Otp: "123456"}))
	require.NoError(t, v.Struct(MobileOtpRequest{Email: "a@x.com", PhoneNumber: "4912345678901"}))

	err := v.Struct(OtpRequest{Email: "a@x.com", Otp: "12a456"})
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "OTP must be 6 digits", ae.Fields["otp"])

	err = v.Struct(MobileOtpRequest{Email: "a@x.com"})
	ae, ok = apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "phoneNumber is required", ae.Fields["phoneNumber"])
}

func TestValidator_passwordByteLimit(t *testing.T) {
	v := NewValidator()
	req := SignUpRequest{FirstName: "Ada", LastName: "Lovelace", Email: "a@x.com"}

	req.Password = "Str0ng!" + strings.Repeat("x", 65)
	require.NoError(t, v.Struct(req), "72 bytes is accepted")

	req.Password = "Str0ng!" + strings.Repeat("x", 66)
	ae, ok := apperr.As(v.Struct(req))
	require.True(t, ok)
	assert.Equal(t, "password must be at most 72 bytes", ae.Fields["password"])

	// 44 characters but 81 bytes
	req.Password = "Str0ng!" + strings.Repeat("ä", 37)
	ae, ok = apperr.As(v.Struct(req))
	require.True(t, ok)
	assert.Contains(t, ae.Fields, "password")
}

func TestBcryptVerifier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	u, err := h.creds.Authenticate(ctx, "A@x.com", "Str0ng!Pass")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", u.Email)

	_, err = h.creds.Authenticate(ctx, "a@x.com", "nope")
	assert.True(t, apperr.Is(err, apperr.BadCredentials))

	_, err = h.creds.Authenticate(ctx, "ghost@x.com", "Str0ng!Pass")
	assert.True(t, apperr.Is(err, apperr.BadCredentials))
}

func TestLockoutPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createUser(t, "a@x.com", "Str0ng!Pass", "")

	for i := 1; i < 5; i++ {
		locked, err := h.lockout.RegisterFailure(ctx, "a@x.com")
		require.NoError(t, err)
		assert.False(t, locked, "failure %d", i)
	}
	locked, err := h.lockout.RegisterFailure(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, locked)

	u, err := h.store.Users().FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, apperr.Is(h.lockout.Check(u), apperr.AccountLocked))

	require.NoError(t, h.lockout.RegisterSuccess(ctx, "a@x.com"))
	u, err = h.store.Users().FindByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.NoError(t, h.lockout.Check(u))
	assert.Zero(t, u.FailedLoginAttempts)
}
