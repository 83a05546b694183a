package deverr

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusUnauthorized, TokenExpired},
		{http.StatusForbidden, PermissionDenied},
		{http.StatusNotFound, DeviceNotFound},
		{http.StatusTooManyRequests, RateLimitExceeded},
		{http.StatusInternalServerError, ServerError},
		{http.StatusServiceUnavailable, ServerError},
		{http.StatusConflict, DeviceBusy},
		{http.StatusTeapot, CommandFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := FromHTTPStatus(tt.code, 0)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}

	assert.NoError(t, FromHTTPStatus(http.StatusOK, 0))
	assert.NoError(t, FromHTTPStatus(http.StatusNoContent, 0))

	e, ok := As(FromHTTPStatus(http.StatusBadGateway, 0))
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, e.StatusCode)
}

func TestRetryAfterOverridesDefault(t *testing.T) {
	e, ok := As(FromHTTPStatus(http.StatusTooManyRequests, 7*time.Second))
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, e.Delay())

	assert.Equal(t, time.Minute, New(RateLimitExceeded, "x").Delay())
	assert.Equal(t, 5*time.Second, New(DeviceBusy, "x").Delay())
	assert.Equal(t, 2*time.Second, New(Timeout, "x").Delay())
	assert.Equal(t, time.Second, New(TokenExpired, "x").Delay())
}

func TestKindThroughWrapping(t *testing.T) {
	base := New(DeviceOffline, "lock-1 unreachable")
	wrapped := errors.Wrap(errors.Wrap(base, "fetching state"), "executing command")

	assert.True(t, Is(wrapped, DeviceOffline))
	assert.False(t, Is(wrapped, DeviceBusy))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, Unknown))
}

func TestClassification(t *testing.T) {
	assert.False(t, AuthenticationRequired.Retryable())
	assert.True(t, AuthenticationRequired.Recoverable())
	assert.False(t, DeviceNotFound.Recoverable())
	assert.True(t, NetworkError.Retryable())
	assert.False(t, StateVerificationFailed.Retryable())
	assert.NotEmpty(t, PresenceRequired.Suggestion())
	assert.Equal(t, PresenceRequired, ParseKind("presence-required"))
	assert.Equal(t, Unknown, ParseKind("nope"))
}

func TestSafeMessageRedacts(t *testing.T) {
	err := Wrap(errors.New(`token endpoint said {"refresh_token":"abc"} for owner@example.com`), AuthenticationFailed, "refresh")
	e, ok := As(err)
	require.True(t, ok)

	msg := e.SafeMessage()
	assert.NotContains(t, msg, "abc")
	assert.NotContains(t, msg, "owner@example.com")
	assert.Contains(t, msg, "authentication-failed")
}

func TestVerificationCarriesDetail(t *testing.T) {
	err := Verification("expected locked, got unlocked")
	assert.Contains(t, err.Error(), "expected locked, got unlocked")
	assert.Nil(t, Wrap(nil, NetworkError, "x"))
}
