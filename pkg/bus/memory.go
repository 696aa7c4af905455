// pkg/bus/memory.go
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rostersync/pkg/metrics"
)

// Memory is the dev/test fallback bus used when REDIS_URL is unset. It
// keeps every guarantee of the contract in-process: per-key FIFO,
// cancel-on matching, delayed delivery, bounded retries, and step
// checkpoints. Drain processes events one at a time, which makes it a
// deterministic substrate for tests (with an injected clock).
type Memory struct {
	mu      sync.Mutex
	log     *zap.SugaredLogger
	now     func() time.Time
	backoff func(int) time.Duration
	m       *metrics.Metrics

	seq     int64
	defs    map[EventType]*registration
	pending []*pendingEvent
	cps     Checkpoints
}

type registration struct {
	def     JobDefinition
	handler Handler
}

type pendingEvent struct {
	evt Event
	seq int64
}

type MemoryOption func(*Memory)

// WithClock substitutes the wall clock (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithCheckpoints(cp Checkpoints) MemoryOption {
	return func(m *Memory) { m.cps = cp }
}

func WithBackoff(f func(int) time.Duration) MemoryOption {
	return func(m *Memory) { m.backoff = f }
}

func WithMetrics(mm *metrics.Metrics) MemoryOption {
	return func(m *Memory) { m.m = mm }
}

func NewMemory(log *zap.SugaredLogger, opts ...MemoryOption) *Memory {
	m := &Memory{
		log:     log,
		now:     time.Now,
		backoff: Backoff,
		defs:    map[EventType]*registration{},
		cps:     NewMemoryCheckpoints(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Register(def JobDefinition, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[def.EventType] = &registration{def: def, handler: h}
}

func (m *Memory) Enqueue(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(evt)
	return nil
}

func (m *Memory) EnqueueDelayed(ctx context.Context, evt Event, notBefore time.Time) error {
	evt.NotBefore = notBefore
	return m.Enqueue(ctx, evt)
}

func (m *Memory) CancelMatching(ctx context.Context, t EventType, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(t, key)
	return nil
}

// push assumes m.mu held. Applies cancel-on patterns before queuing.
func (m *Memory) push(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.RunID == "" {
		evt.RunID = uuid.NewString()
	}
	for _, reg := range m.defs {
		if reg.def.cancelsOn(evt.Type) {
			m.remove(reg.def.EventType, evt.Key)
		}
	}
	m.seq++
	m.pending = append(m.pending, &pendingEvent{evt: evt, seq: m.seq})
}

// requeue re-adds a delivered event without re-triggering cancel-on.
func (m *Memory) requeue(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.pending = append(m.pending, &pendingEvent{evt: evt, seq: m.seq})
}

// remove drops queued/sleeping events of (t, key). Assumes m.mu held.
func (m *Memory) remove(t EventType, key string) {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.evt.Type == t && p.evt.Key == key {
			m.log.Infow("event cancelled", "type", t, "key", key, "id", p.evt.ID)
			_ = m.cps.Clear(context.Background(), p.evt.RunID)
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
}

// next picks the runnable event: due, head-of-line for its (type, key),
// highest priority first, then arrival order. Assumes m.mu held.
func (m *Memory) next() (*pendingEvent, *registration) {
	now := m.now()
	var best *pendingEvent
	for _, p := range m.pending {
		if _, ok := m.defs[p.evt.Type]; !ok {
			continue
		}
		if m.blocked(p) {
			continue
		}
		if p.evt.NotBefore.After(now) {
			continue
		}
		if best == nil ||
			p.evt.Priority > best.evt.Priority ||
			(p.evt.Priority == best.evt.Priority && p.seq < best.seq) {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, m.defs[best.evt.Type]
}

// blocked reports whether an earlier event with the same (type, key)
// is still pending; same-key work runs strictly in enqueue order.
func (m *Memory) blocked(p *pendingEvent) bool {
	for _, q := range m.pending {
		if q.seq < p.seq && q.evt.Type == p.evt.Type && q.evt.Key == p.evt.Key {
			return true
		}
	}
	return false
}

// Drain processes events until nothing is due. Returns the number of
// handler invocations.
func (m *Memory) Drain(ctx context.Context) int {
	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		m.mu.Lock()
		p, reg := m.next()
		if p == nil {
			m.mu.Unlock()
			return n
		}
		m.drop(p)
		m.mu.Unlock()

		n++
		m.dispatch(ctx, reg, p.evt)
	}
}

// drop removes one pending entry. Assumes m.mu held.
func (m *Memory) drop(p *pendingEvent) {
	for i, q := range m.pending {
		if q == p {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Memory) dispatch(ctx context.Context, reg *registration, evt Event) {
	start := m.now()
	run := newRun(evt.RunID, m.cps, m.now)
	err := reg.handler(ctx, run, evt)
	out := settle(reg.def, evt, err, m.now(), m.backoff, m.log, m.m)
	if m.m != nil {
		m.m.JobsProcessedTotal.WithLabelValues(string(evt.Type), out.label).Inc()
		m.m.JobDuration.WithLabelValues(string(evt.Type)).Observe(m.now().Sub(start).Seconds())
	}
	switch out.kind {
	case outcomeDone, outcomeDrop:
		_ = m.cps.Clear(ctx, evt.RunID)
	case outcomeRequeue:
		evt.NotBefore = out.at
		evt.Attempt = out.attempt
		m.requeue(evt)
	}
}

// NextWake returns the earliest NotBefore among sleeping events, if
// any. Tests use it to advance their fake clock.
func (m *Memory) NextWake() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var at time.Time
	found := false
	for _, p := range m.pending {
		if !found || p.evt.NotBefore.Before(at) {
			at = p.evt.NotBefore
			found = true
		}
	}
	return at, found
}

// Run drains in a loop until ctx is cancelled.
func (m *Memory) Run(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.Drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Bus = (*Memory)(nil)
