// internal/orchestrator/deletion.go
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
	"rostersync/pkg/tenants"
)

// handleDelete applies a single-user removal at the vendor. Stateless
// single step; a vendor "not found" is success so repeats are
// idempotent. Deletions run in parallel per tenant (bounded), they are
// read-only with respect to the sync watermark.
func (s *Service) handleDelete(ctx context.Context, run *bus.Run, evt bus.Event) error {
	var p events.DeletePayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return bus.Fatal(fmt.Errorf("delete payload: %w", err))
	}

	t, err := s.store.Get(ctx, p.TenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		return bus.Fatal(fmt.Errorf("delete: %w", err))
	}
	if err != nil {
		return err
	}
	creds, err := s.credentials(t)
	if err != nil {
		return bus.Fatal(fmt.Errorf("delete: open credentials: %w", err))
	}

	if err := s.adapter.RemoveUser(ctx, creds, p.UserID); err != nil {
		if connector.IsNotFound(err) {
			s.log.Debugw("user already gone", "tenant", p.TenantID, "user", p.UserID)
			return nil
		}
		return err
	}
	s.m.UsersDeletedTotal.Inc()
	s.log.Infow("user removed", "tenant", p.TenantID, "user", p.UserID)
	return nil
}
