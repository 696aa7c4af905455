// pkg/bus/redis_test.go
package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	tok := token("tenant.sync.requested", "t-42")
	typ, key, ok := splitToken(tok)
	assert.True(t, ok)
	assert.Equal(t, EventType("tenant.sync.requested"), typ)
	assert.Equal(t, "t-42", key)

	// Keys keep everything after the first separator.
	typ, key, ok = splitToken(token("app.installed", "weird|key"))
	assert.True(t, ok)
	assert.Equal(t, EventType("app.installed"), typ)
	assert.Equal(t, "weird|key", key)

	_, _, ok = splitToken("garbage")
	assert.False(t, ok)
}

func TestReadyListByPriority(t *testing.T) {
	assert.Equal(t, keyReadyHigh, readyList(PriorityHigh))
	assert.Equal(t, keyReadyLow, readyList(PriorityLow))
}
