package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_walksWrappedChain(t *testing.T) {
	base := New(DeviceMismatch, "Invalid device for refresh token")
	wrapped := fmt.Errorf("refresh: %w", base)

	assert.Equal(t, DeviceMismatch, KindOf(wrapped))
	assert.True(t, Is(wrapped, DeviceMismatch))
	assert.False(t, Is(wrapped, InvalidToken))
}

func TestKindOf_plainErrorIsUnexpected(t *testing.T) {
	assert.Equal(t, Unexpected, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, Unexpected))
}

func TestWrap_keepsCause(t *testing.T) {
	cause := errors.New("pq: connection refused")
	err := Wrap(Unexpected, "load user", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "load user: pq: connection refused", err.Error())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "already_streaming", AlreadyStreaming.String())
	assert.Equal(t, "token_expired", TokenExpired.String())
	assert.Equal(t, "conflict", Conflict.String())
	assert.NotEqual(t, Conflict, AlreadyStreaming)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		ValidationFailed: http.StatusBadRequest,
		RateLimited:      http.StatusBadRequest,
		TooManyAttempts:  http.StatusBadRequest,
		BadCredentials:   http.StatusUnauthorized,
		InvalidToken:     http.StatusUnauthorized,
		DeviceMismatch:   http.StatusUnauthorized,
		TokenExpired:     http.StatusUnauthorized,
		Conflict:         http.StatusBadRequest,
		AlreadyStreaming: http.StatusBadRequest,
		AccountLocked:    http.StatusLocked,
		NotFound:         http.StatusNotFound,
		Unexpected:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}
