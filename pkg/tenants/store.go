package tenants

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no tenant row exists for an id. Jobs
// treat it as fatal (race with uninstall).
var ErrNotFound = errors.New("tenant not found")

// Store is the credential store contract: tenant-scoped primary key,
// insert-or-update semantics, no cross-tenant operations.
type Store interface {
	Get(ctx context.Context, tenantID string) (Tenant, error)
	Upsert(ctx context.Context, t Tenant) error
	MarkDisconnected(ctx context.Context, tenantID string) error
	// SetWatermark records the syncStartedAt of a completed pass.
	SetWatermark(ctx context.Context, tenantID string, watermark time.Time) error
}
