package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rostersync/internal/events"
	"rostersync/internal/policy"
	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
	"rostersync/pkg/metrics"
	"rostersync/pkg/secrets"
	"rostersync/pkg/tenants"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) AdvanceTo(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.now) {
		c.now = at
	}
}

// fakeAdapter scripts vendor behavior per cursor / call.
type fakeAdapter struct {
	mu sync.Mutex

	pages     map[string]connector.Page // keyed by cursor, "" for the first page
	fetchErrs map[string][]error        // consumed one per call before pages applies
	fetches   []string

	renewGrants []connector.TokenGrant
	renewErrs   []error // consumed before grants
	renewCalls  int

	removeErrs map[string]error
	removed    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		pages:      map[string]connector.Page{},
		fetchErrs:  map[string][]error{},
		removeErrs: map[string]error{},
	}
}

func (f *fakeAdapter) IssueToken(ctx context.Context, authCode string) (connector.TokenGrant, error) {
	return connector.TokenGrant{}, nil
}

func (f *fakeAdapter) RenewToken(ctx context.Context, refreshToken string) (connector.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewCalls++
	if len(f.renewErrs) > 0 {
		err := f.renewErrs[0]
		f.renewErrs = f.renewErrs[1:]
		return connector.TokenGrant{}, err
	}
	if len(f.renewGrants) == 0 {
		return connector.TokenGrant{AccessToken: "renewed-at", ExpiresIn: time.Hour}, nil
	}
	g := f.renewGrants[0]
	if len(f.renewGrants) > 1 {
		f.renewGrants = f.renewGrants[1:]
	}
	return g, nil
}

func (f *fakeAdapter) FetchPage(ctx context.Context, creds connector.Credentials, cursor *string) (connector.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ""
	if cursor != nil {
		key = *cursor
	}
	f.fetches = append(f.fetches, key)
	if errs := f.fetchErrs[key]; len(errs) > 0 {
		f.fetchErrs[key] = errs[1:]
		return connector.Page{}, errs[0]
	}
	return f.pages[key], nil
}

func (f *fakeAdapter) RemoveUser(ctx context.Context, creds connector.Credentials, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.removeErrs[userID]; ok {
		return err
	}
	f.removed = append(f.removed, userID)
	return nil
}

func (f *fakeAdapter) fetchCount(cursor string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		if c == cursor {
			n++
		}
	}
	return n
}

type upsertCall struct {
	tenantID string
	users    []connector.RemoteUser
}

type deleteStaleCall struct {
	tenantID     string
	syncedBefore time.Time
}

type connErrCall struct {
	tenantID string
	hasError bool
}

// fakeSink records every directory write, with optional scripted
// failures for the upsert path.
type fakeSink struct {
	mu sync.Mutex

	upsertErrs []error // consumed one per call
	upserts    []upsertCall
	staleCalls []deleteStaleCall
	connErrs   []connErrCall
}

func (f *fakeSink) UpsertUsers(ctx context.Context, tenantID string, users []connector.RemoteUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upsertErrs) > 0 {
		err := f.upsertErrs[0]
		f.upsertErrs = f.upsertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.upserts = append(f.upserts, upsertCall{tenantID: tenantID, users: users})
	return nil
}

func (f *fakeSink) DeleteStale(ctx context.Context, tenantID string, syncedBefore time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCalls = append(f.staleCalls, deleteStaleCall{tenantID: tenantID, syncedBefore: syncedBefore})
	return nil
}

func (f *fakeSink) MarkConnectionError(ctx context.Context, tenantID string, hasError bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connErrs = append(f.connErrs, connErrCall{tenantID: tenantID, hasError: hasError})
	return nil
}

// env wires a full in-memory deployment: memory bus, memory store,
// sealed credentials, fakes for the vendor and the directory, and both
// policy interceptors, exactly as the worker wires them.
type env struct {
	t       *testing.T
	clock   *fakeClock
	bus     *bus.Memory
	store   tenants.Store
	box     *secrets.Box
	adapter *fakeAdapter
	sink    *fakeSink
	svc     *Service
}

type envOption func(*Deps)

func withRetryBudget(n int) envOption {
	return func(d *Deps) { d.RetryBudget = n }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	log := zap.NewNop().Sugar()
	clock := newFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	b := bus.NewMemory(log, bus.WithClock(clock.Now), bus.WithMetrics(m))
	store := tenants.NewMemoryStore(log)
	box := secrets.NewBox("orchestrator-test-key")
	adapter := newFakeAdapter()
	sink := &fakeSink{}

	deps := Deps{
		Bus:      b,
		Store:    store,
		Box:      box,
		Adapter:  adapter,
		Sink:     sink,
		Log:      log,
		Metrics:  m,
		Now:      clock.Now,
		LeadTime: 5 * time.Minute,
	}
	for _, o := range opts {
		o(&deps)
	}
	svc := New(deps)
	svc.Register(
		policy.RateLimit(30*time.Second, clock.Now, log),
		policy.Unauthorized(b, store, sink, log, m),
	)
	return &env{
		t:       t,
		clock:   clock,
		bus:     b,
		store:   store,
		box:     box,
		adapter: adapter,
		sink:    sink,
		svc:     svc,
	}
}

// seedTenant stores a connected tenant with sealed credentials.
func (e *env) seedTenant(id string, creds connector.Credentials) {
	e.t.Helper()
	raw, err := json.Marshal(creds)
	require.NoError(e.t, err)
	sealed, err := e.box.Seal(raw)
	require.NoError(e.t, err)
	require.NoError(e.t, e.store.Upsert(context.Background(), tenants.Tenant{
		ID:                   id,
		Region:               "eu",
		EncryptedCredentials: sealed,
	}))
}

func (e *env) tenantCreds(id string) connector.Credentials {
	e.t.Helper()
	t, err := e.store.Get(context.Background(), id)
	require.NoError(e.t, err)
	plain, err := e.box.Open(t.EncryptedCredentials)
	require.NoError(e.t, err)
	var creds connector.Credentials
	require.NoError(e.t, json.Unmarshal(plain, &creds))
	return creds
}

func (e *env) enqueue(t bus.EventType, key string, payload any) {
	e.t.Helper()
	evt, err := bus.NewEvent(t, key, payload)
	require.NoError(e.t, err)
	require.NoError(e.t, e.bus.Enqueue(context.Background(), evt))
}

func (e *env) enqueueSync(tenantID string, first bool, startedAt time.Time, cursor *string) {
	e.enqueue(events.SyncRequested, tenantID, events.SyncPayload{
		TenantID:      tenantID,
		IsFirstSync:   first,
		SyncStartedAt: startedAt.UnixMilli(),
		Cursor:        cursor,
	})
}

func (e *env) drain() int {
	return e.bus.Drain(context.Background())
}

// drainUntilIdle alternates drains with clock jumps to the next wake
// until nothing is pending or maxHops is spent (the refresh loop never
// empties the queue on its own).
func (e *env) drainUntilIdle(maxHops int) int {
	total := e.drain()
	for i := 0; i < maxHops; i++ {
		at, ok := e.bus.NextWake()
		if !ok {
			return total
		}
		e.clock.AdvanceTo(at)
		total += e.drain()
	}
	return total
}

func strptr(s string) *string { return &s }
