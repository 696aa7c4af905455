// internal/orchestrator/refresh.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
	"rostersync/pkg/tenants"
)

// handleRefresh keeps a tenant's access token alive. It sleeps until
// shortly before expiry, renews, persists the re-sealed credentials and
// re-enqueues itself with the new expiry. The loop never terminates on
// its own; only cancellation (install/uninstall) or a fatal auth
// failure stops it.
func (s *Service) handleRefresh(ctx context.Context, run *bus.Run, evt bus.Event) error {
	var p events.RefreshPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return bus.Fatal(fmt.Errorf("refresh payload: %w", err))
	}

	if err := run.SleepUntil(time.UnixMilli(p.ExpiresAt).Add(-s.leadTime)); err != nil {
		return err
	}

	t, err := s.store.Get(ctx, p.TenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		return bus.Fatal(fmt.Errorf("refresh: %w", err))
	}
	if err != nil {
		return err
	}
	if !t.Connected() {
		return bus.Fatal(fmt.Errorf("refresh: tenant %s disconnected", p.TenantID))
	}
	creds, err := s.credentials(t)
	if err != nil {
		return bus.Fatal(fmt.Errorf("refresh: open credentials: %w", err))
	}

	grant, err := bus.Step(ctx, run, "renew", func(ctx context.Context) (connector.TokenGrant, error) {
		return s.adapter.RenewToken(ctx, creds.RefreshToken)
	})
	if err != nil {
		return err
	}

	// Vendors may rotate the refresh token; keep the old one when they
	// do not.
	next := connector.Credentials{
		AccessToken:  grant.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    s.now().Add(grant.ExpiresIn),
	}
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}

	if err := bus.Do(ctx, run, "persist", func(ctx context.Context) error {
		sealed, err := s.sealCredentials(next)
		if err != nil {
			return err
		}
		t.EncryptedCredentials = sealed
		t.ConnectionStatus = tenants.StatusConnected
		return s.store.Upsert(ctx, t)
	}); err != nil {
		return err
	}
	s.m.TokensRefreshed.Inc()

	return bus.Do(ctx, run, "reschedule", func(ctx context.Context) error {
		nextEvt, err := bus.NewEvent(events.RefreshRequested, p.TenantID, events.RefreshPayload{
			TenantID:  p.TenantID,
			ExpiresAt: next.ExpiresAt.UnixMilli(),
		})
		if err != nil {
			return err
		}
		s.log.Infow("token refreshed", "tenant", p.TenantID, "expiresAt", next.ExpiresAt)
		return s.bus.Enqueue(ctx, nextEvt)
	})
}
