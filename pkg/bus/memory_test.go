package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rostersync/pkg/connector"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBus(t *testing.T) (*Memory, *testClock) {
	t.Helper()
	clock := newTestClock()
	m := NewMemory(zap.NewNop().Sugar(), WithClock(clock.Now))
	return m, clock
}

func mustEvent(t *testing.T, typ EventType, key string, payload any) Event {
	t.Helper()
	evt, err := NewEvent(typ, key, payload)
	require.NoError(t, err)
	return evt
}

func TestMemory_PerKeyOrder(t *testing.T) {
	m, _ := newTestBus(t)
	var got []string
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		got = append(got, evt.ID)
		return nil
	})

	ctx := context.Background()
	var want []string
	for i := 0; i < 5; i++ {
		evt := mustEvent(t, "work", "t1", nil)
		want = append(want, evt.ID)
		require.NoError(t, m.Enqueue(ctx, evt))
	}
	m.Drain(ctx)
	assert.Equal(t, want, got)
}

func TestMemory_PriorityDispatchedFirst(t *testing.T) {
	m, _ := newTestBus(t)
	var got []string
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		got = append(got, evt.Key)
		return nil
	})

	ctx := context.Background()
	low := mustEvent(t, "work", "slow-tenant", nil)
	require.NoError(t, m.Enqueue(ctx, low))
	high := mustEvent(t, "work", "new-tenant", nil)
	high.Priority = PriorityHigh
	require.NoError(t, m.Enqueue(ctx, high))

	m.Drain(ctx)
	assert.Equal(t, []string{"new-tenant", "slow-tenant"}, got)
}

func TestMemory_DelayedDelivery(t *testing.T) {
	m, clock := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		return nil
	})

	ctx := context.Background()
	evt := mustEvent(t, "work", "t1", nil)
	require.NoError(t, m.EnqueueDelayed(ctx, evt, clock.Now().Add(time.Minute)))

	m.Drain(ctx)
	assert.Zero(t, calls)

	clock.Advance(time.Minute)
	m.Drain(ctx)
	assert.Equal(t, 1, calls)
}

func TestMemory_CancelMatching(t *testing.T) {
	m, _ := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t2", nil)))
	require.NoError(t, m.CancelMatching(ctx, "work", "t1"))

	m.Drain(ctx)
	assert.Equal(t, 1, calls)
}

func TestMemory_CancelOnPattern(t *testing.T) {
	m, clock := newTestBus(t)
	workCalls, stopCalls := 0, 0
	m.Register(JobDefinition{EventType: "work", CancelOn: []EventType{"stop"}}, func(ctx context.Context, run *Run, evt Event) error {
		workCalls++
		return nil
	})
	m.Register(JobDefinition{EventType: "stop"}, func(ctx context.Context, run *Run, evt Event) error {
		stopCalls++
		return nil
	})

	ctx := context.Background()
	// Sleeping instance for t1, queued instance for t2.
	sleeping := mustEvent(t, "work", "t1", nil)
	require.NoError(t, m.EnqueueDelayed(ctx, sleeping, clock.Now().Add(time.Hour)))
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t2", nil)))

	// The stop event for t1 aborts only t1's instance.
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "stop", "t1", nil)))

	m.Drain(ctx)
	clock.Advance(2 * time.Hour)
	m.Drain(ctx)

	assert.Equal(t, 1, stopCalls)
	assert.Equal(t, 1, workCalls, "only t2's instance should have run")
}

func TestMemory_RetryWithBackoffThenExhaust(t *testing.T) {
	m, clock := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work", MaxAttempts: 3}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		return errors.New("boom")
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))

	for i := 0; i < 10; i++ {
		m.Drain(ctx)
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, 3, calls, "retries stop at the budget")
}

func TestMemory_FatalStopsImmediately(t *testing.T) {
	m, clock := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		return Fatal(errors.New("dead credential"))
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))
	m.Drain(ctx)
	clock.Advance(time.Hour)
	m.Drain(ctx)
	assert.Equal(t, 1, calls)
}

func TestMemory_ClassifiedFatalStopsImmediately(t *testing.T) {
	m, clock := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		return connector.NewError(connector.KindFatal, errors.New("users_expr matched nothing"))
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))
	for i := 0; i < 6; i++ {
		m.Drain(ctx)
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, 1, calls, "adapter-classified fatals must not burn the retry budget")
}

func TestMemory_DelayDoesNotConsumeAttempts(t *testing.T) {
	m, clock := newTestBus(t)
	calls := 0
	m.Register(JobDefinition{EventType: "work", MaxAttempts: 2}, func(ctx context.Context, run *Run, evt Event) error {
		calls++
		if calls < 6 {
			return Delay(clock.Now().Add(30*time.Second), errors.New("throttled"))
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))
	for i := 0; i < 8; i++ {
		m.Drain(ctx)
		clock.Advance(30 * time.Second)
	}
	// Five throttled rounds plus the success: well past MaxAttempts,
	// because delays are a scheduling hint, not a failure.
	assert.Equal(t, 6, calls)
}

func TestMemory_StepsSkipOnRetry(t *testing.T) {
	m, clock := newTestBus(t)
	m.backoff = func(int) time.Duration { return time.Second }

	stepRuns, attempts := 0, 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		attempts++
		v, err := Step(ctx, run, "expensive", func(ctx context.Context) (int, error) {
			stepRuns++
			return 42, nil
		})
		if err != nil {
			return err
		}
		if v != 42 {
			t.Fatalf("cached step value = %d", v)
		}
		if attempts == 1 {
			return errors.New("crash after step")
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))
	m.Drain(ctx)
	clock.Advance(5 * time.Second)
	m.Drain(ctx)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, stepRuns, "committed step must not re-run on redelivery")
}

func TestMemory_SleepUntilFreesAndResumes(t *testing.T) {
	m, clock := newTestBus(t)
	wake := clock.Now().Add(45 * time.Minute)
	done := 0
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		if err := run.SleepUntil(wake); err != nil {
			return err
		}
		done++
		return nil
	})

	ctx := context.Background()
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", nil)))

	m.Drain(ctx)
	assert.Zero(t, done)

	at, ok := m.NextWake()
	require.True(t, ok)
	assert.Equal(t, wake, at)

	clock.Advance(45 * time.Minute)
	m.Drain(ctx)
	assert.Equal(t, 1, done)
}

func TestMemory_SameKeyBlocksBehindSleeper(t *testing.T) {
	m, clock := newTestBus(t)
	var got []string
	m.Register(JobDefinition{EventType: "work"}, func(ctx context.Context, run *Run, evt Event) error {
		var tag string
		require.NoError(t, json.Unmarshal(evt.Payload, &tag))
		got = append(got, tag)
		return nil
	})

	ctx := context.Background()
	first := mustEvent(t, "work", "t1", "first")
	require.NoError(t, m.EnqueueDelayed(ctx, first, clock.Now().Add(time.Minute)))
	require.NoError(t, m.Enqueue(ctx, mustEvent(t, "work", "t1", "second")))

	m.Drain(ctx)
	assert.Empty(t, got, "same-key work stays in arrival order")

	clock.Advance(time.Minute)
	m.Drain(ctx)
	assert.Equal(t, []string{"first", "second"}, got)
}
