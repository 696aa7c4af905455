// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresStore constructs a PostgreSQL-backed credential store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates required tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  region text NOT NULL DEFAULT '',
  encrypted_credentials bytea,
  connection_status text NOT NULL DEFAULT 'connected',
  last_sync_watermark timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS region text NOT NULL DEFAULT '';
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS last_sync_watermark timestamptz;
`)
	return err
}

func (s *pgStore) Get(ctx context.Context, tenantID string) (Tenant, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT id, region, encrypted_credentials, connection_status, last_sync_watermark FROM tenants WHERE id=$1`, tenantID)
	var t Tenant
	var status string
	if err := row.Scan(&t.ID, &t.Region, &t.EncryptedCredentials, &status, &t.LastSyncWatermark); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	t.ConnectionStatus = ConnectionStatus(status)
	return t, nil
}

func (s *pgStore) Upsert(ctx context.Context, t Tenant) error {
	status := t.ConnectionStatus
	if status == "" {
		status = StatusConnected
	}
	_, err := s.dbPool.Exec(ctx, `INSERT INTO tenants(id, region, encrypted_credentials, connection_status, last_sync_watermark)
	  VALUES ($1,$2,$3,$4,$5)
	  ON CONFLICT (id) DO UPDATE SET region=EXCLUDED.region, encrypted_credentials=EXCLUDED.encrypted_credentials,
	    connection_status=EXCLUDED.connection_status, last_sync_watermark=COALESCE(EXCLUDED.last_sync_watermark, tenants.last_sync_watermark),
	    updated_at=NOW()`,
		t.ID, t.Region, t.EncryptedCredentials, string(status), t.LastSyncWatermark)
	return err
}

func (s *pgStore) MarkDisconnected(ctx context.Context, tenantID string) error {
	tag, err := s.dbPool.Exec(ctx, `UPDATE tenants SET connection_status=$2, updated_at=NOW() WHERE id=$1`, tenantID, string(StatusDisconnected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) SetWatermark(ctx context.Context, tenantID string, watermark time.Time) error {
	tag, err := s.dbPool.Exec(ctx, `UPDATE tenants SET last_sync_watermark=$2, updated_at=NOW() WHERE id=$1`, tenantID, watermark)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
