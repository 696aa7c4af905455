// internal/orchestrator/sync.go
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

// handleSync drives one page of a roster pull. Listing: fetch the page
// and forward valid users to the sink. Continuing: a non-nil next
// cursor re-enqueues the run with the same syncStartedAt. Finalizing:
// a nil cursor triggers the stale delete at the pass's start watermark.
func (s *Service) handleSync(ctx context.Context, run *bus.Run, evt bus.Event) error {
	var p events.SyncPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return bus.Fatal(fmt.Errorf("sync payload: %w", err))
	}

	t, err := s.store.Get(ctx, p.TenantID)
	if errors.Is(err, tenants.ErrNotFound) {
		return bus.Fatal(fmt.Errorf("sync: %w", err))
	}
	if err != nil {
		return err
	}
	if !t.Connected() {
		return bus.Fatal(fmt.Errorf("sync: tenant %s disconnected", p.TenantID))
	}
	creds, err := s.credentials(t)
	if err != nil {
		return bus.Fatal(fmt.Errorf("sync: open credentials: %w", err))
	}

	cursorTag := ""
	if p.Cursor != nil {
		cursorTag = *p.Cursor
	}
	page, err := bus.Step(ctx, run, "fetch:"+cursorTag, func(ctx context.Context) (connector.Page, error) {
		return s.adapter.FetchPage(ctx, creds, p.Cursor)
	})
	if err != nil {
		return err
	}
	s.m.PagesFetchedTotal.Inc()

	// Records failing the adapter's shape validation never fail the
	// job: the rest of the page proceeds.
	for _, bad := range page.Invalid {
		s.log.Warnw("dropping invalid roster record", "tenant", p.TenantID, "reason", bad.Reason)
		s.m.RecordsDroppedTotal.Inc()
	}

	if len(page.Valid) > 0 {
		if err := bus.Do(ctx, run, "upsert:"+cursorTag, func(ctx context.Context) error {
			return s.sink.UpsertUsers(ctx, p.TenantID, page.Valid)
		}); err != nil {
			return err
		}
		s.m.UsersUpsertedTotal.Add(float64(len(page.Valid)))
	}

	if page.NextCursor != nil {
		return bus.Do(ctx, run, "continue:"+cursorTag, func(ctx context.Context) error {
			next, err := bus.NewEvent(events.SyncRequested, p.TenantID, events.SyncPayload{
				TenantID:      p.TenantID,
				IsFirstSync:   p.IsFirstSync,
				SyncStartedAt: p.SyncStartedAt,
				Cursor:        page.NextCursor,
			})
			if err != nil {
				return err
			}
			if p.IsFirstSync {
				next.Priority = bus.PriorityHigh
			}
			s.log.Debugw("sync ongoing", "tenant", p.TenantID, "cursor", *page.NextCursor)
			return s.bus.Enqueue(ctx, next)
		})
	}

	// The watermark is the pass's own start instant, never "now": users
	// upserted by earlier pages of this pass survive, anything older is
	// stale.
	watermark := time.UnixMilli(p.SyncStartedAt)
	if err := bus.Do(ctx, run, "finalize", func(ctx context.Context) error {
		return s.sink.DeleteStale(ctx, p.TenantID, watermark)
	}); err != nil {
		return err
	}
	if err := s.store.SetWatermark(ctx, p.TenantID, watermark); err != nil && !errors.Is(err, tenants.ErrNotFound) {
		return err
	}
	s.log.Infow("sync completed", "tenant", p.TenantID, "firstSync", p.IsFirstSync, "startedAt", watermark)
	return nil
}
