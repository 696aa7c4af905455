// pkg/bus/run.go
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Checkpoints persists per-run step results so a crash between step N
// and N+1 resumes at N+1 instead of replaying the whole handler.
type Checkpoints interface {
	Get(ctx context.Context, runID, step string) ([]byte, bool, error)
	Put(ctx context.Context, runID, step string, result []byte) error
	Clear(ctx context.Context, runID string) error
}

// Run is the per-delivery step context handed to handlers.
type Run struct {
	ID  string
	cp  Checkpoints
	now func() time.Time
}

func newRun(id string, cp Checkpoints, now func() time.Time) *Run {
	return &Run{ID: id, cp: cp, now: now}
}

// Step executes fn at most once per run. The JSON-encoded result is
// cached under (runID, name); redeliveries return the cached value
// without re-running fn. fn errors are not cached.
func Step[T any](ctx context.Context, r *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	raw, ok, err := r.cp.Get(ctx, r.ID, name)
	if err != nil {
		return out, err
	}
	if ok {
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return out, err
			}
		}
		return out, nil
	}
	out, err = fn(ctx)
	if err != nil {
		return out, err
	}
	raw, err = json.Marshal(out)
	if err != nil {
		return out, err
	}
	return out, r.cp.Put(ctx, r.ID, name, raw)
}

// Do is Step for side-effect-only steps with no result.
func Do(ctx context.Context, r *Run, name string, fn func(context.Context) error) error {
	_, err := Step(ctx, r, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// SleepUntil parks the run until at. No worker is held while sleeping
// and the suspension survives restarts: the event is simply redelivered
// once the wall clock passes, at which point this returns nil.
func (r *Run) SleepUntil(at time.Time) error {
	if r.now().Before(at) {
		return &sleepControl{at: at}
	}
	return nil
}

// memCheckpoints is the in-process checkpoint store used by the memory
// bus and by tests.
type memCheckpoints struct {
	mu   sync.Mutex
	runs map[string]map[string][]byte
}

func NewMemoryCheckpoints() Checkpoints {
	return &memCheckpoints{runs: map[string]map[string][]byte{}}
}

func (m *memCheckpoints) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.runs[runID]
	if !ok {
		return nil, false, nil
	}
	raw, ok := steps[step]
	return raw, ok, nil
}

func (m *memCheckpoints) Put(ctx context.Context, runID, step string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.runs[runID]
	if !ok {
		steps = map[string][]byte{}
		m.runs[runID] = steps
	}
	if result == nil {
		result = []byte{}
	}
	steps[step] = result
	return nil
}

func (m *memCheckpoints) Clear(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}
