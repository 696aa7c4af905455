package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnown(t *testing.T) {
	assert.True(t, Known(SyncRequested))
	assert.True(t, Known(AppInstalled))
	assert.True(t, Known(AppUninstalled))
	assert.True(t, Known(RefreshRequested))
	assert.True(t, Known(DeleteRequested))
	assert.False(t, Known("users.sync.finished"))
	assert.False(t, Known(""))
}

func TestTenantOf(t *testing.T) {
	id, err := TenantOf(json.RawMessage(`{"tenantId":"t-1","cursor":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "t-1", id)
}

func TestTenantOf_Missing(t *testing.T) {
	_, err := TenantOf(json.RawMessage(`{"userId":"u-1"}`))
	assert.Error(t, err)

	_, err = TenantOf(json.RawMessage(`not json`))
	assert.Error(t, err)
}
