// pkg/tenants/memory.go
package tenants

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.RWMutex
	log  *zap.SugaredLogger
	byID map[string]Tenant
}

// NewMemoryStore is the dev/test fallback when DATABASE_URL is unset.
func NewMemoryStore(log *zap.SugaredLogger) Store {
	return &memStore{log: log, byID: map[string]Tenant{}}
}

func (m *memStore) Get(ctx context.Context, tenantID string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.byID[tenantID]; ok {
		return t, nil
	}
	return Tenant{}, ErrNotFound
}

func (m *memStore) Upsert(ctx context.Context, t Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ConnectionStatus == "" {
		t.ConnectionStatus = StatusConnected
	}
	if prev, ok := m.byID[t.ID]; ok && t.LastSyncWatermark == nil {
		t.LastSyncWatermark = prev.LastSyncWatermark
	}
	m.byID[t.ID] = t
	return nil
}

func (m *memStore) MarkDisconnected(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.ConnectionStatus = StatusDisconnected
	m.byID[tenantID] = t
	return nil
}

func (m *memStore) SetWatermark(ctx context.Context, tenantID string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[tenantID]
	if !ok {
		return ErrNotFound
	}
	w := watermark
	t.LastSyncWatermark = &w
	m.byID[tenantID] = t
	return nil
}
