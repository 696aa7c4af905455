package connector

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   Kind
	}{
		{name: "ok", status: 200, kind: Kind(-1)},
		{name: "created", status: 201, kind: Kind(-1)},
		{name: "unauthorized", status: 401, kind: KindAuth},
		{name: "forbidden", status: 403, kind: KindAuth},
		{name: "not found", status: 404, kind: KindNotFound},
		{name: "throttled", status: 429, kind: KindRateLimit},
		{name: "server error", status: 500, kind: KindTransient},
		{name: "bad gateway", status: 502, kind: KindTransient},
		{name: "bad request", status: 400, kind: KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.status, nil)
			if tt.kind == Kind(-1) {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassify_RetryAfterSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")

	err := Classify(http.StatusTooManyRequests, h)

	require.True(t, IsRateLimit(err))
	assert.Equal(t, 30*time.Second, RetryAfterOf(err))
}

func TestClassify_RetryAfterHTTPDate(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", time.Now().Add(2*time.Minute).UTC().Format(http.TimeFormat))

	err := Classify(http.StatusTooManyRequests, h)

	require.True(t, IsRateLimit(err))
	ra := RetryAfterOf(err)
	assert.Greater(t, ra, time.Minute)
	assert.LessOrEqual(t, ra, 2*time.Minute)
}

func TestClassify_RateLimitResetEpoch(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Minute).Unix()))

	err := Classify(http.StatusTooManyRequests, h)

	require.True(t, IsRateLimit(err))
	assert.Greater(t, RetryAfterOf(err), time.Duration(0))
}

func TestClassify_NoResetHint(t *testing.T) {
	err := Classify(http.StatusTooManyRequests, http.Header{})

	require.True(t, IsRateLimit(err))
	assert.Zero(t, RetryAfterOf(err))
}

func TestKindOf_WrappedError(t *testing.T) {
	inner := NewError(KindAuth, errors.New("revoked"))
	wrapped := fmt.Errorf("renew token: %w", inner)

	assert.True(t, IsAuth(wrapped))
	assert.False(t, IsRateLimit(wrapped))
}

func TestKindOf_UnclassifiedDefaultsTransient(t *testing.T) {
	kind, ok := KindOf(errors.New("connection reset"))

	assert.False(t, ok)
	assert.Equal(t, KindTransient, kind)
}
