// pkg/connector/types.go
package connector

import (
	"context"
	"time"
)

// RemoteUser is one roster entry as a vendor reports it. Produced per
// page, forwarded to the Sink, never persisted here.
type RemoteUser struct {
	ExternalID       string   `json:"externalId"`
	DisplayName      string   `json:"displayName"`
	Email            string   `json:"email"`
	Role             string   `json:"role,omitempty"`
	AuthMethod       string   `json:"authMethod,omitempty"`
	IsSuspendable    bool     `json:"isSuspendable"`
	AdditionalEmails []string `json:"additionalEmails,omitempty"`
}

// InvalidRecord is a page item that failed the adapter's shape
// validation. It is logged and dropped, never an error.
type InvalidRecord struct {
	Raw    any    `json:"raw"`
	Reason string `json:"reason"`
}

// Page is one slice of the vendor roster. A nil NextCursor means no
// more pages.
type Page struct {
	Valid      []RemoteUser
	Invalid    []InvalidRecord
	NextCursor *string
}

// Credentials is the decrypted per-tenant credential set handed to
// adapter calls.
type Credentials struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// TokenGrant is the result of an issue or renew exchange.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// SourceAdapter is the vendor-specific function set. Implementations
// classify their failures with Error kinds once, at this boundary.
type SourceAdapter interface {
	IssueToken(ctx context.Context, authCode string) (TokenGrant, error)
	RenewToken(ctx context.Context, refreshToken string) (TokenGrant, error)
	FetchPage(ctx context.Context, creds Credentials, cursor *string) (Page, error)
	// RemoveUser treats a vendor 404 as success.
	RemoveUser(ctx context.Context, creds Credentials, userID string) error
}

// Sink is the central directory ingestion API.
type Sink interface {
	UpsertUsers(ctx context.Context, tenantID string, users []RemoteUser) error
	// DeleteStale removes every mirrored user last confirmed before
	// syncedBefore.
	DeleteStale(ctx context.Context, tenantID string, syncedBefore time.Time) error
	MarkConnectionError(ctx context.Context, tenantID string, hasError bool) error
}
