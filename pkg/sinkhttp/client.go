// pkg/sinkhttp/client.go
package sinkhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rostersync/pkg/connector"
)

// Client talks to the central directory ingestion API. Failures leave
// here classified so the scheduler's retry semantics apply uniformly.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     *zap.SugaredLogger
}

func New(baseURL, token string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// WithHTTPClient substitutes the HTTP client (tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpc = h
	return c
}

func (c *Client) UpsertUsers(ctx context.Context, tenantID string, users []connector.RemoteUser) error {
	return c.post(ctx, fmt.Sprintf("/v1/tenants/%s/users/batch", tenantID), map[string]any{
		"users": users,
	})
}

func (c *Client) DeleteStale(ctx context.Context, tenantID string, syncedBefore time.Time) error {
	return c.post(ctx, fmt.Sprintf("/v1/tenants/%s/users/delete-stale", tenantID), map[string]any{
		"syncedBefore": syncedBefore.UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) MarkConnectionError(ctx context.Context, tenantID string, hasError bool) error {
	return c.post(ctx, fmt.Sprintf("/v1/tenants/%s/connection-error", tenantID), map[string]any{
		"hasError": hasError,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return connector.NewError(connector.KindFatal, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return connector.NewError(connector.KindFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return connector.NewError(connector.KindTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return connector.Classify(resp.StatusCode, resp.Header)
}

var _ connector.Sink = (*Client)(nil)
