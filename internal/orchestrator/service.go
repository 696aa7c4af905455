// internal/orchestrator/service.go
package orchestrator

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"rostersync/internal/events"
	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
	"rostersync/pkg/metrics"
	"rostersync/pkg/secrets"
	"rostersync/pkg/tenants"
)

// Service owns the four job types: paginated roster sync, the token
// refresh loop, single-user deletion, and install/uninstall lifecycle.
// One instance serves every tenant; all per-tenant state lives in the
// credential store and on the bus.
type Service struct {
	bus     bus.Bus
	store   tenants.Store
	box     *secrets.Box
	adapter connector.SourceAdapter
	sink    connector.Sink
	log     *zap.SugaredLogger
	m       *metrics.Metrics
	now     func() time.Time

	leadTime          time.Duration
	retryBudget       int
	deleteConcurrency int
}

type Deps struct {
	Bus     bus.Bus
	Store   tenants.Store
	Box     *secrets.Box
	Adapter connector.SourceAdapter
	Sink    connector.Sink
	Log     *zap.SugaredLogger
	Metrics *metrics.Metrics
	// Now substitutes the wall clock (tests). Nil means time.Now.
	Now func() time.Time

	// LeadTime is the vendor safety margin subtracted from token expiry
	// before refreshing. Zero means 5 minutes.
	LeadTime time.Duration
	// RetryBudget bounds normal-failure retries per job. Zero means the
	// bus default.
	RetryBudget int
	// DeleteConcurrency bounds parallel deletions per tenant. Zero
	// means 4. Must stay above 1: deletions are independent, unlike
	// sync and refresh which serialize on the tenant.
	DeleteConcurrency int
}

func New(d Deps) *Service {
	s := &Service{
		bus:               d.Bus,
		store:             d.Store,
		box:               d.Box,
		adapter:           d.Adapter,
		sink:              d.Sink,
		log:               d.Log,
		m:                 d.Metrics,
		now:               d.Now,
		leadTime:          d.LeadTime,
		retryBudget:       d.RetryBudget,
		deleteConcurrency: d.DeleteConcurrency,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.leadTime <= 0 {
		s.leadTime = 5 * time.Minute
	}
	if s.deleteConcurrency <= 1 {
		s.deleteConcurrency = 4
	}
	return s
}

// Register wires all job definitions into the bus. mw (the rate-limit
// and unauthorized policies) wraps every handler's failure path.
func (s *Service) Register(mw ...bus.Middleware) {
	lifecycle := []bus.EventType{events.AppInstalled, events.AppUninstalled}
	s.bus.Register(bus.JobDefinition{
		EventType:   events.SyncRequested,
		Concurrency: 1,
		MaxAttempts: s.retryBudget,
		CancelOn:    lifecycle,
	}, bus.Chain(s.handleSync, mw...))
	s.bus.Register(bus.JobDefinition{
		EventType:   events.RefreshRequested,
		Concurrency: 1,
		MaxAttempts: s.retryBudget,
		CancelOn:    lifecycle,
	}, bus.Chain(s.handleRefresh, mw...))
	s.bus.Register(bus.JobDefinition{
		EventType:   events.DeleteRequested,
		Concurrency: s.deleteConcurrency,
		MaxAttempts: s.retryBudget,
	}, bus.Chain(s.handleDelete, mw...))
	s.bus.Register(bus.JobDefinition{
		EventType:   events.AppInstalled,
		Concurrency: 1,
		MaxAttempts: s.retryBudget,
	}, bus.Chain(s.handleInstalled, mw...))
	s.bus.Register(bus.JobDefinition{
		EventType:   events.AppUninstalled,
		Concurrency: 1,
		MaxAttempts: s.retryBudget,
	}, bus.Chain(s.handleUninstalled, mw...))
}

// credentials opens the tenant's sealed credential blob.
func (s *Service) credentials(t tenants.Tenant) (connector.Credentials, error) {
	plain, err := s.box.Open(t.EncryptedCredentials)
	if err != nil {
		return connector.Credentials{}, err
	}
	var creds connector.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return connector.Credentials{}, err
	}
	return creds, nil
}

func (s *Service) sealCredentials(creds connector.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	return s.box.Seal(plain)
}
