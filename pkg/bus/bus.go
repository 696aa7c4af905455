// pkg/bus/bus.go
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a durable event stream (users.sync.requested, ...).
type EventType string

// Priority orders dispatch among ready events. First syncs run high so
// a fresh install's roster appears promptly even under load.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Event is one unit of durable, at-least-once work. Key is the
// concurrency/correlation key (always the tenant id here). RunID is
// stable across redeliveries of the same logical run so checkpointed
// steps are skipped on resume; continuations get a fresh RunID.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore time.Time       `json:"notBefore,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
}

// NewEvent builds an event with fresh ids and a marshaled payload.
func NewEvent(t EventType, key string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:      uuid.NewString(),
		RunID:   uuid.NewString(),
		Type:    t,
		Key:     key,
		Payload: raw,
	}, nil
}

// Handler processes one delivery of an event. The same run may be
// delivered more than once; idempotence comes from Run step caching.
type Handler func(ctx context.Context, run *Run, evt Event) error

// Middleware wraps a handler (policy interceptors).
type Middleware func(Handler) Handler

// Chain applies middlewares outermost-first.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// JobDefinition declares how events of one type are dispatched.
type JobDefinition struct {
	EventType EventType
	// Concurrency is the per-key in-flight limit. 0 means 1 (strictly
	// serialized, as sync and refresh require).
	Concurrency int
	// MaxAttempts bounds normal-failure retries. 0 means DefaultMaxAttempts.
	MaxAttempts int
	// CancelOn aborts queued or sleeping instances whose key matches a
	// newly enqueued event of any of these types.
	CancelOn []EventType
}

const DefaultMaxAttempts = 5

func (d JobDefinition) concurrency() int {
	if d.Concurrency <= 0 {
		return 1
	}
	return d.Concurrency
}

func (d JobDefinition) maxAttempts() int {
	if d.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return d.MaxAttempts
}

func (d JobDefinition) cancelsOn(t EventType) bool {
	for _, c := range d.CancelOn {
		if c == t {
			return true
		}
	}
	return false
}

// Bus is the durable job scheduler / event bus contract.
type Bus interface {
	Enqueue(ctx context.Context, evt Event) error
	EnqueueDelayed(ctx context.Context, evt Event, notBefore time.Time) error
	// CancelMatching drops queued and sleeping events of the given type
	// and key. In-flight handlers are not interrupted.
	CancelMatching(ctx context.Context, t EventType, key string) error
	Register(def JobDefinition, h Handler)
	// Run dispatches until ctx is cancelled.
	Run(ctx context.Context) error
}

// Backoff is the default retry schedule: 2s doubling per attempt,
// capped at 5 minutes.
func Backoff(attempt int) time.Duration {
	d := 2 * time.Second
	for i := 0; i < attempt && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
