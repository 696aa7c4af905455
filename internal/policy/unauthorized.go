// internal/policy/unauthorized.go
package policy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
	"rostersync/pkg/metrics"
	"rostersync/pkg/tenants"
)

// Unauthorized deprovisions a tenant whose credential the vendor
// rejected: it emits app.uninstalled so sibling jobs (sync, refresh)
// are cancelled, marks the tenant Disconnected, flags the connection in
// the directory, and converts the error to fatal so the current job
// stops instead of burning retries against a dead credential.
func Unauthorized(b bus.Bus, store tenants.Store, sink connector.Sink, log *zap.SugaredLogger, m *metrics.Metrics) bus.Middleware {
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, run *bus.Run, evt bus.Event) error {
			err := next(ctx, run, evt)
			if err == nil || !connector.IsAuth(err) {
				return err
			}
			tenantID := evt.Key
			log.Warnw("credential rejected, deprovisioning tenant", "type", evt.Type, "tenant", tenantID, "err", err)

			uninstall, uerr := bus.NewEvent(events.AppUninstalled, tenantID, events.LifecyclePayload{TenantID: tenantID})
			if uerr == nil {
				uerr = b.Enqueue(ctx, uninstall)
			}
			if uerr != nil {
				log.Errorw("deprovision emit failed", "tenant", tenantID, "err", uerr)
			}
			if derr := store.MarkDisconnected(ctx, tenantID); derr != nil && !errors.Is(derr, tenants.ErrNotFound) {
				log.Errorw("mark disconnected failed", "tenant", tenantID, "err", derr)
			}
			if serr := sink.MarkConnectionError(ctx, tenantID, true); serr != nil {
				log.Errorw("sink connection flag failed", "tenant", tenantID, "err", serr)
			}
			m.DeprovisionsTotal.Inc()
			return bus.Fatal(err)
		}
	}
}
