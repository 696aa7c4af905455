// pkg/restadapter/adapter.go
package restadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jmes "github.com/jmespath/go-jmespath"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"rostersync/pkg/connector"
)

// Adapter is a generic, profile-driven connector.SourceAdapter. All
// vendor behavior lives in the Profile; every failure leaves this
// boundary already classified.
type Adapter struct {
	profile Profile
	oauth   oauth2.Config
	httpc   *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func New(p Profile, log *zap.SugaredLogger) *Adapter {
	return &Adapter{
		profile: p,
		oauth: oauth2.Config{
			ClientID:     os.Getenv(p.ClientIDEnv),
			ClientSecret: os.Getenv(p.ClientSecretEnv),
			Endpoint: oauth2.Endpoint{
				AuthURL:  p.AuthURL,
				TokenURL: p.TokenURL,
			},
			Scopes: p.Scopes,
		},
		httpc:   &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(p.RatePerSec), p.Burst),
		log:     log,
	}
}

// WithHTTPClient substitutes the HTTP client (tests).
func (a *Adapter) WithHTTPClient(c *http.Client) *Adapter {
	a.httpc = c
	return a
}

func (a *Adapter) IssueToken(ctx context.Context, authCode string) (connector.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpc)
	tok, err := a.oauth.Exchange(ctx, authCode)
	if err != nil {
		return connector.TokenGrant{}, classifyOAuth(err)
	}
	return grantFrom(tok), nil
}

func (a *Adapter) RenewToken(ctx context.Context, refreshToken string) (connector.TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpc)
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return connector.TokenGrant{}, classifyOAuth(err)
	}
	return grantFrom(tok), nil
}

func grantFrom(tok *oauth2.Token) connector.TokenGrant {
	g := connector.TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		g.ExpiresIn = time.Until(tok.Expiry)
	}
	return g
}

// classifyOAuth maps token-endpoint failures onto the closed error
// set. invalid_grant and friends arrive as RetrieveError.
func classifyOAuth(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		// A 400 with invalid_grant (or any 4xx error code) means the
		// refresh token is dead, not that we sent a malformed request.
		if re.ErrorCode != "" && re.Response.StatusCode < 500 {
			return &connector.Error{Kind: connector.KindAuth, StatusCode: re.Response.StatusCode, Err: err}
		}
		if ce := connector.Classify(re.Response.StatusCode, re.Response.Header); ce != nil {
			return ce
		}
		return &connector.Error{Kind: connector.KindAuth, StatusCode: re.Response.StatusCode, Err: err}
	}
	return connector.NewError(connector.KindTransient, err)
}

func (a *Adapter) FetchPage(ctx context.Context, creds connector.Credentials, cursor *string) (connector.Page, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return connector.Page{}, err
	}
	u, err := url.Parse(a.profile.UsersURL)
	if err != nil {
		return connector.Page{}, connector.NewError(connector.KindFatal, err)
	}
	if cursor != nil && *cursor != "" {
		q := u.Query()
		q.Set(a.profile.CursorParam, *cursor)
		u.RawQuery = q.Encode()
	}
	doc, err := a.getJSON(ctx, u.String(), creds.AccessToken)
	if err != nil {
		return connector.Page{}, err
	}
	return a.mapPage(doc)
}

func (a *Adapter) getJSON(ctx context.Context, rawURL, accessToken string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, connector.NewError(connector.KindFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, connector.NewError(connector.KindTransient, err)
	}
	defer resp.Body.Close()
	if cerr := connector.Classify(resp.StatusCode, resp.Header); cerr != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, cerr
	}
	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, connector.NewError(connector.KindTransient, fmt.Errorf("decode page: %w", err))
	}
	return doc, nil
}

// mapPage applies the profile's JMESPath mappings to one page document.
func (a *Adapter) mapPage(doc any) (connector.Page, error) {
	var page connector.Page
	usersRaw, err := jmes.Search(a.profile.UsersExpr, doc)
	if err != nil {
		return page, connector.NewError(connector.KindFatal, fmt.Errorf("users_expr: %w", err))
	}
	items, _ := usersRaw.([]any)
	for _, item := range items {
		user, reason := a.mapUser(item)
		if reason != "" {
			page.Invalid = append(page.Invalid, connector.InvalidRecord{Raw: item, Reason: reason})
			continue
		}
		page.Valid = append(page.Valid, user)
	}
	if a.profile.NextCursorExpr != "" {
		nextRaw, err := jmes.Search(a.profile.NextCursorExpr, doc)
		if err != nil {
			return page, connector.NewError(connector.KindFatal, fmt.Errorf("next_cursor_expr: %w", err))
		}
		if next, ok := nextRaw.(string); ok && next != "" {
			page.NextCursor = &next
		}
	}
	return page, nil
}

func (a *Adapter) mapUser(item any) (connector.RemoteUser, string) {
	f := a.profile.Fields
	user := connector.RemoteUser{
		ExternalID:  searchString(f.ExternalID, item),
		DisplayName: searchString(f.DisplayName, item),
		Email:       searchString(f.Email, item),
		Role:        searchString(f.Role, item),
		AuthMethod:  searchString(f.AuthMethod, item),
	}
	if f.IsSuspendable != "" {
		v, _ := jmes.Search(f.IsSuspendable, item)
		b, ok := v.(bool)
		user.IsSuspendable = ok && b
	}
	if f.AdditionalEmails != "" {
		if v, _ := jmes.Search(f.AdditionalEmails, item); v != nil {
			if list, ok := v.([]any); ok {
				for _, e := range list {
					if s, ok := e.(string); ok && s != "" {
						user.AdditionalEmails = append(user.AdditionalEmails, s)
					}
				}
			}
		}
	}
	if user.ExternalID == "" {
		return user, "missing external id"
	}
	if user.Email == "" {
		return user, "missing email"
	}
	return user, ""
}

func searchString(expr string, item any) string {
	if expr == "" {
		return ""
	}
	v, err := jmes.Search(expr, item)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (a *Adapter) RemoveUser(ctx context.Context, creds connector.Credentials, userID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	target := strings.ReplaceAll(a.profile.RemoveUserURL, "{userId}", url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return connector.NewError(connector.KindFatal, err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	resp, err := a.httpc.Do(req)
	if err != nil {
		return connector.NewError(connector.KindTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		// Idempotent deletes: already gone is done.
		return nil
	}
	return connector.Classify(resp.StatusCode, resp.Header)
}

var _ connector.SourceAdapter = (*Adapter)(nil)
