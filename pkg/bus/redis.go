// pkg/bus/redis.go
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rostersync/pkg/metrics"
)

// Redis is the production bus: a durable queue on top of go-redis.
//
// Layout (prefix "bus:"):
//
//	bus:event:<id>        event JSON, lives until the event settles
//	bus:delayed           ZSET id -> notBefore (unix ms)
//	bus:q:<type>:<key>    LIST of due ids for one key, FIFO
//	bus:ready:high/low    LISTs of "type|key" wake tokens, high first
//	bus:processing        tokens a worker holds between pop and claim
//	bus:active            ZSET id -> visibility deadline (unix ms)
//	bus:idx:<type>:<key>  SET of ids, supports CancelMatching
//	bus:inflight:<type>:<key>  per-key in-flight counter
//	bus:run:<runID>       HASH step -> result (checkpoints)
//
// Tokens are wake-up signals, not deliveries: a worker that receives
// one runs the claim script, which atomically checks the per-key
// in-flight limit, pops the head of that key's queue, bumps the
// counter and registers the visibility deadline. A token with nothing
// claimable behind it is simply dropped, so duplicates are harmless.
// The script is the only place an id leaves its queue, which keeps
// same-key deliveries in arrival order no matter how many workers
// race on the ready lists.
//
// A promoter goroutine moves due delayed ids into their queues,
// requeues ids whose visibility deadline passed and re-posts tokens
// orphaned in bus:processing by a worker that died mid-pop (the
// at-least-once half of the contract).
type Redis struct {
	rdb     *redis.Client
	log     *zap.SugaredLogger
	m       *metrics.Metrics
	workers int
	backoff func(int) time.Duration

	// visibility is how long a worker may hold an event before the
	// promoter assumes the process died and redelivers.
	visibility time.Duration

	mu   sync.RWMutex
	defs map[EventType]*registration
}

type RedisOption func(*Redis)

func WithWorkers(n int) RedisOption {
	return func(r *Redis) { r.workers = n }
}

func WithVisibility(d time.Duration) RedisOption {
	return func(r *Redis) { r.visibility = d }
}

func WithRedisMetrics(m *metrics.Metrics) RedisOption {
	return func(r *Redis) { r.m = m }
}

func NewRedis(rdb *redis.Client, log *zap.SugaredLogger, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:        rdb,
		log:        log,
		workers:    8,
		backoff:    Backoff,
		visibility: 5 * time.Minute,
		defs:       map[EventType]*registration{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

const (
	keyDelayed    = "bus:delayed"
	keyReadyHigh  = "bus:ready:high"
	keyReadyLow   = "bus:ready:low"
	keyProcessing = "bus:processing"
	keyActive     = "bus:active"
)

func keyEvent(id string) string { return "bus:event:" + id }

func keyQueue(t EventType, key string) string { return fmt.Sprintf("bus:q:%s:%s", t, key) }

func keyIdx(t EventType, key string) string { return fmt.Sprintf("bus:idx:%s:%s", t, key) }

func keyInflight(t EventType, key string) string {
	return fmt.Sprintf("bus:inflight:%s:%s", t, key)
}

func keyRun(runID string) string { return "bus:run:" + runID }

// token carries just enough to find the queue and the registration.
// Event types never contain "|", keys may contain anything else.
func token(t EventType, key string) string { return string(t) + "|" + key }

func splitToken(tok string) (EventType, string, bool) {
	i := strings.Index(tok, "|")
	if i < 0 {
		return "", "", false
	}
	return EventType(tok[:i]), tok[i+1:], true
}

// claimScript: drop the wake token, then atomically gate + pop + mark
// active. Returning the id, bumping the counter and registering the
// deadline in one step means a worker death can no longer lose a
// delivery or leak the counter between those writes.
//
// KEYS: processing, queue, inflight, active
// ARGV: token, limit, deadline ms
var claimScript = redis.NewScript(`
redis.call('LREM', KEYS[1], 1, ARGV[1])
local n = tonumber(redis.call('GET', KEYS[3]) or '0')
if n >= tonumber(ARGV[2]) then
  return false
end
local id = redis.call('LPOP', KEYS[2])
if not id then
  return false
end
redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[4], ARGV[3], id)
return id
`)

func (r *Redis) Register(def JobDefinition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.EventType] = &registration{def: def, handler: h}
}

func (r *Redis) reg(t EventType) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[t]
}

func (r *Redis) Enqueue(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.RunID == "" {
		evt.RunID = uuid.NewString()
	}
	r.mu.RLock()
	for _, reg := range r.defs {
		if reg.def.cancelsOn(evt.Type) {
			if err := r.cancel(ctx, reg.def.EventType, evt.Key); err != nil {
				r.log.Warnw("cancel-on failed", "type", reg.def.EventType, "key", evt.Key, "err", err)
			}
		}
	}
	r.mu.RUnlock()
	return r.store(ctx, evt)
}

func (r *Redis) EnqueueDelayed(ctx context.Context, evt Event, notBefore time.Time) error {
	evt.NotBefore = notBefore
	return r.Enqueue(ctx, evt)
}

// store writes the event record and schedules it. Used for both fresh
// enqueues and redeliveries.
func (r *Redis) store(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, keyEvent(evt.ID), raw, 0)
	pipe.SAdd(ctx, keyIdx(evt.Type, evt.Key), evt.ID)
	if evt.NotBefore.After(time.Now()) {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(evt.NotBefore.UnixMilli()), Member: evt.ID})
	} else {
		pipe.RPush(ctx, keyQueue(evt.Type, evt.Key), evt.ID)
		pipe.LPush(ctx, readyList(evt.Priority), token(evt.Type, evt.Key))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func readyList(p Priority) string {
	if p == PriorityHigh {
		return keyReadyHigh
	}
	return keyReadyLow
}

func (r *Redis) CancelMatching(ctx context.Context, t EventType, key string) error {
	return r.cancel(ctx, t, key)
}

func (r *Redis) cancel(ctx context.Context, t EventType, key string) error {
	ids, err := r.rdb.SMembers(ctx, keyIdx(t, key)).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		// In-flight steps are never interrupted; only queued or
		// sleeping instances are dropped. Stray wake tokens for the
		// key are left behind: the claim script finds an empty queue
		// and drops them.
		if err := r.rdb.ZScore(ctx, keyActive, id).Err(); err == nil {
			continue
		}
		evt, err := r.load(ctx, id)
		if err == nil {
			_ = r.rdb.Del(ctx, keyRun(evt.RunID)).Err()
		}
		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.LRem(ctx, keyQueue(t, key), 0, id)
		pipe.Del(ctx, keyEvent(id))
		pipe.SRem(ctx, keyIdx(t, key), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		r.log.Infow("event cancelled", "type", t, "key", key, "id", id)
	}
	return nil
}

func (r *Redis) load(ctx context.Context, id string) (Event, error) {
	raw, err := r.rdb.Get(ctx, keyEvent(id)).Bytes()
	if err != nil {
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// Run starts the promoter plus the worker pool and blocks until ctx is
// cancelled.
func (r *Redis) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.promote(ctx) })
	for i := 0; i < r.workers; i++ {
		g.Go(func() error { return r.work(ctx) })
	}
	return g.Wait()
}

// promote moves due delayed events into their queues, redelivers
// events whose visibility deadline passed and rescues wake tokens
// stranded in bus:processing. A token is stranded when its worker died
// after the BLMove but before the claim script ran; one that survives
// two consecutive ticks cannot belong to a live worker, so it goes
// back on a ready list.
func (r *Redis) promote(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	lastSeen := map[string]struct{}{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		nowMs := strconv.FormatInt(time.Now().UnixMilli(), 10)

		due, err := r.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warnw("promoter scan", "err", err)
			continue
		}
		for _, id := range due {
			if r.rdb.ZRem(ctx, keyDelayed, id).Val() == 0 {
				continue // raced another promoter
			}
			evt, err := r.load(ctx, id)
			if err != nil {
				continue // cancelled while sleeping
			}
			pipe := r.rdb.TxPipeline()
			pipe.RPush(ctx, keyQueue(evt.Type, evt.Key), id)
			pipe.LPush(ctx, readyList(evt.Priority), token(evt.Type, evt.Key))
			_, _ = pipe.Exec(ctx)
		}

		stalled, err := r.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: nowMs}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		for _, id := range stalled {
			if r.rdb.ZRem(ctx, keyActive, id).Val() == 0 {
				continue
			}
			evt, err := r.load(ctx, id)
			if err != nil {
				continue
			}
			// Back at the queue head: the stalled event was already
			// the oldest delivery for its key.
			pipe := r.rdb.TxPipeline()
			pipe.Decr(ctx, keyInflight(evt.Type, evt.Key))
			pipe.LPush(ctx, keyQueue(evt.Type, evt.Key), id)
			pipe.LPush(ctx, readyList(evt.Priority), token(evt.Type, evt.Key))
			_, _ = pipe.Exec(ctx)
			r.log.Warnw("event redelivered after stall", "type", evt.Type, "key", evt.Key, "id", id)
		}

		orphaned, err := r.rdb.LRange(ctx, keyProcessing, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			continue
		}
		seen := map[string]struct{}{}
		for _, tok := range orphaned {
			seen[tok] = struct{}{}
			if _, ok := lastSeen[tok]; !ok {
				continue
			}
			if r.rdb.LRem(ctx, keyProcessing, 1, tok).Val() == 0 {
				continue
			}
			r.rdb.LPush(ctx, keyReadyLow, tok)
			r.log.Warnw("wake token rescued", "token", tok)
		}
		lastSeen = seen
	}
}

func (r *Redis) work(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// High-priority tokens first; the low list is polled between
		// short blocking waits on the high one.
		tok, err := r.rdb.BLMove(ctx, keyReadyHigh, keyProcessing, "right", "left", 250*time.Millisecond).Result()
		if errors.Is(err, redis.Nil) {
			tok, err = r.rdb.LMove(ctx, keyReadyLow, keyProcessing, "right", "left").Result()
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warnw("token pop", "err", err)
			time.Sleep(time.Second)
			continue
		}
		r.claimAndRun(ctx, tok)
	}
}

// claimAndRun turns a wake token into at most one delivery.
func (r *Redis) claimAndRun(ctx context.Context, tok string) {
	t, key, ok := splitToken(tok)
	if !ok {
		r.rdb.LRem(ctx, keyProcessing, 1, tok)
		return
	}
	reg := r.reg(t)
	if reg == nil {
		r.rdb.LRem(ctx, keyProcessing, 1, tok)
		r.log.Warnw("no job registered for event", "type", t)
		return
	}
	deadline := strconv.FormatInt(time.Now().Add(r.visibility).UnixMilli(), 10)
	res, err := claimScript.Run(ctx, r.rdb,
		[]string{keyProcessing, keyQueue(t, key), keyInflight(t, key), keyActive},
		tok, reg.def.concurrency(), deadline,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return // nothing claimable: queue empty or key at its limit
		}
		r.log.Warnw("claim", "token", tok, "err", err)
		return
	}
	id, _ := res.(string)
	if id == "" {
		return
	}
	evt, err := r.load(ctx, id)
	if err != nil {
		// Event record gone; release what the claim took.
		r.rdb.ZRem(ctx, keyActive, id)
		r.rdb.Decr(ctx, keyInflight(t, key))
		return
	}
	r.execute(ctx, reg, evt)
}

func (r *Redis) execute(ctx context.Context, reg *registration, evt Event) {
	start := time.Now()
	run := newRun(evt.RunID, &redisCheckpoints{rdb: r.rdb}, time.Now)
	herr := reg.handler(ctx, run, evt)
	out := settle(reg.def, evt, herr, time.Now(), r.backoff, r.log, r.m)
	if r.m != nil {
		r.m.JobsProcessedTotal.WithLabelValues(string(evt.Type), out.label).Inc()
		r.m.JobDuration.WithLabelValues(string(evt.Type)).Observe(time.Since(start).Seconds())
	}

	r.rdb.ZRem(ctx, keyActive, evt.ID)
	r.rdb.Decr(ctx, keyInflight(evt.Type, evt.Key))

	switch out.kind {
	case outcomeDone, outcomeDrop:
		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, keyEvent(evt.ID))
		pipe.SRem(ctx, keyIdx(evt.Type, evt.Key), evt.ID)
		pipe.Del(ctx, keyRun(evt.RunID))
		_, _ = pipe.Exec(ctx)
	case outcomeRequeue:
		evt.NotBefore = out.at
		evt.Attempt = out.attempt
		if err := r.store(ctx, evt); err != nil {
			r.log.Errorw("requeue failed", "id", evt.ID, "err", err)
		}
	}

	// Wake the next same-key delivery, if one queued up behind this
	// run's in-flight slot.
	r.resignal(ctx, evt.Type, evt.Key)
}

func (r *Redis) resignal(ctx context.Context, t EventType, key string) {
	head, err := r.rdb.LIndex(ctx, keyQueue(t, key), 0).Result()
	if err != nil || head == "" {
		return
	}
	list := keyReadyLow
	if next, err := r.load(ctx, head); err == nil && next.Priority == PriorityHigh {
		list = keyReadyHigh
	}
	r.rdb.LPush(ctx, list, token(t, key))
}

// redisCheckpoints persists step results in a per-run hash. A 24h TTL
// caps leakage from runs that never settle.
type redisCheckpoints struct {
	rdb *redis.Client
}

func (c *redisCheckpoints) Get(ctx context.Context, runID, step string) ([]byte, bool, error) {
	raw, err := c.rdb.HGet(ctx, keyRun(runID), step).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *redisCheckpoints) Put(ctx context.Context, runID, step string, result []byte) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, keyRun(runID), step, result)
	pipe.Expire(ctx, keyRun(runID), 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *redisCheckpoints) Clear(ctx context.Context, runID string) error {
	return c.rdb.Del(ctx, keyRun(runID)).Err()
}

var _ Bus = (*Redis)(nil)
