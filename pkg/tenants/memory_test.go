package tenants

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore(zap.NewNop().Sugar())

	_, err := s.Get(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpsertDefaultsConnected(t *testing.T) {
	s := NewMemoryStore(zap.NewNop().Sugar())

	require.NoError(t, s.Upsert(context.Background(), Tenant{ID: "t-1", Region: "eu"}))

	got, err := s.Get(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.ConnectionStatus)
	assert.True(t, got.Connected())
}

func TestMemoryStore_UpsertPreservesWatermark(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())
	mark := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert(ctx, Tenant{ID: "t-1"}))
	require.NoError(t, s.SetWatermark(ctx, "t-1", mark))

	// Credential rotation writes the tenant row without a watermark.
	require.NoError(t, s.Upsert(ctx, Tenant{ID: "t-1", EncryptedCredentials: []byte("new")}))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncWatermark)
	assert.True(t, got.LastSyncWatermark.Equal(mark))
	assert.Equal(t, []byte("new"), got.EncryptedCredentials)
}

func TestMemoryStore_MarkDisconnected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zap.NewNop().Sugar())

	assert.ErrorIs(t, s.MarkDisconnected(ctx, "t-1"), ErrNotFound)

	require.NoError(t, s.Upsert(ctx, Tenant{ID: "t-1"}))
	require.NoError(t, s.MarkDisconnected(ctx, "t-1"))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, got.ConnectionStatus)
	assert.False(t, got.Connected())
}

func TestMemoryStore_SetWatermarkMissing(t *testing.T) {
	s := NewMemoryStore(zap.NewNop().Sugar())

	err := s.SetWatermark(context.Background(), "ghost", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
