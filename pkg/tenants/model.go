package tenants

import "time"

// ConnectionStatus tracks whether a tenant's external account is still
// authorized.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Tenant represents one customer organization connected to an external
// SaaS account. Credentials stay sealed here; only orchestrators open
// them, per call.
type Tenant struct {
	ID                   string // uuid
	Region               string // vendor region / shard hint (us, eu, ...)
	EncryptedCredentials []byte
	ConnectionStatus     ConnectionStatus
	// LastSyncWatermark is the syncStartedAt of the last completed full
	// pass. Nil until the first sync finishes.
	LastSyncWatermark *time.Time
}

func (t Tenant) Connected() bool { return t.ConnectionStatus == StatusConnected }
