// internal/events/events.go
package events

import (
	"encoding/json"
	"fmt"

	"rostersync/pkg/bus"
)

// Event types carried on the bus. The tenant id is always the
// correlation/concurrency key.
const (
	SyncRequested    bus.EventType = "users.sync.requested"
	AppInstalled     bus.EventType = "app.installed"
	AppUninstalled   bus.EventType = "app.uninstalled"
	RefreshRequested bus.EventType = "token.refresh.requested"
	DeleteRequested  bus.EventType = "users.delete.requested"
)

// SyncPayload drives one page of a roster pull. SyncStartedAt is fixed
// for the whole pagination pass and becomes the stale-delete watermark.
type SyncPayload struct {
	TenantID      string  `json:"tenantId"`
	IsFirstSync   bool    `json:"isFirstSync"`
	SyncStartedAt int64   `json:"syncStartedAt"` // epoch-ms
	Cursor        *string `json:"cursor"`
}

type LifecyclePayload struct {
	TenantID string `json:"tenantId"`
}

type RefreshPayload struct {
	TenantID  string `json:"tenantId"`
	ExpiresAt int64  `json:"expiresAt"` // epoch-ms
}

type DeletePayload struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

// Known reports whether t is one of the event types above. The ingress
// rejects everything else.
func Known(t bus.EventType) bool {
	switch t {
	case SyncRequested, AppInstalled, AppUninstalled, RefreshRequested, DeleteRequested:
		return true
	}
	return false
}

// TenantOf extracts the concurrency key from any event payload.
func TenantOf(payload json.RawMessage) (string, error) {
	var p struct {
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	if p.TenantID == "" {
		return "", fmt.Errorf("payload missing tenantId")
	}
	return p.TenantID, nil
}
