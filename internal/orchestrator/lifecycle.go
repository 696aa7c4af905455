// internal/orchestrator/lifecycle.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/tenants"
)

// handleInstalled seeds the per-tenant job pair after the consent UI
// stored sealed credentials and emitted app.installed. The enqueue of
// the install event itself already cancelled any stale sync/refresh
// continuations from a prior install (CancelOn), so a reinstall never
// leaves two competing loops alive.
func (s *Service) handleInstalled(ctx context.Context, run *bus.Run, evt bus.Event) error {
	var p events.LifecyclePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return bus.Fatal(fmt.Errorf("install payload: %w", err))
	}

	t, err := s.store.Get(ctx, p.TenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		return bus.Fatal(fmt.Errorf("install: %w", err))
	}
	if err != nil {
		return err
	}
	if !t.Connected() {
		t.ConnectionStatus = tenants.StatusConnected
		if err := s.store.Upsert(ctx, t); err != nil {
			return err
		}
	}
	creds, err := s.credentials(t)
	if err != nil {
		return bus.Fatal(fmt.Errorf("install: open credentials: %w", err))
	}

	if err := bus.Do(ctx, run, "first-sync", func(ctx context.Context) error {
		sync, err := bus.NewEvent(events.SyncRequested, p.TenantID, events.SyncPayload{
			TenantID:      p.TenantID,
			IsFirstSync:   true,
			SyncStartedAt: s.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		// A new tenant's roster should appear promptly even under load.
		sync.Priority = bus.PriorityHigh
		return s.bus.Enqueue(ctx, sync)
	}); err != nil {
		return err
	}

	return bus.Do(ctx, run, "refresh-loop", func(ctx context.Context) error {
		expiresAt := creds.ExpiresAt
		if expiresAt.IsZero() {
			// No recorded expiry: refresh immediately to learn one.
			expiresAt = s.now()
		}
		refresh, err := bus.NewEvent(events.RefreshRequested, p.TenantID, events.RefreshPayload{
			TenantID:  p.TenantID,
			ExpiresAt: expiresAt.UnixMilli(),
		})
		if err != nil {
			return err
		}
		s.log.Infow("tenant installed", "tenant", p.TenantID)
		return s.bus.Enqueue(ctx, refresh)
	})
}

// handleUninstalled marks the tenant Disconnected. Sibling sync and
// refresh continuations were already cancelled when this event was
// enqueued (CancelOn pattern on their job definitions).
func (s *Service) handleUninstalled(ctx context.Context, run *bus.Run, evt bus.Event) error {
	var p events.LifecyclePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return bus.Fatal(fmt.Errorf("uninstall payload: %w", err))
	}
	err := s.store.MarkDisconnected(ctx, p.TenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		// Race with a concurrent purge: nothing left to disconnect.
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Infow("tenant uninstalled", "tenant", p.TenantID)
	return nil
}
