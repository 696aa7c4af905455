// pkg/bus/dispatch.go
package bus

import (
	"time"

	"go.uber.org/zap"

	"rostersync/pkg/connector"
	"rostersync/pkg/metrics"
)

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeRequeue // redeliver at `at` with the given attempt counter
	outcomeDrop    // fatal or budget exhausted
)

type outcome struct {
	kind    outcomeKind
	at      time.Time
	attempt int
	label   string // metrics outcome label
}

// settle maps a handler result to a scheduling decision. Shared by the
// memory and redis buses so both honor the same retry semantics:
// sleeps and rate-limit delays never consume an attempt, fatal errors
// stop immediately, everything else burns the bounded budget.
func settle(def JobDefinition, evt Event, err error, now time.Time, backoff func(int) time.Duration, log *zap.SugaredLogger, m *metrics.Metrics) outcome {
	switch {
	case err == nil:
		return outcome{kind: outcomeDone, label: "ok"}
	default:
	}
	if at, ok := sleepAt(err); ok {
		return outcome{kind: outcomeRequeue, at: at, attempt: evt.Attempt, label: "sleeping"}
	}
	if at, ok := delayAt(err); ok {
		log.Infow("job delayed by rate limit", "type", evt.Type, "key", evt.Key, "until", at)
		if m != nil {
			m.RateLimitDelays.Inc()
		}
		return outcome{kind: outcomeRequeue, at: at, attempt: evt.Attempt, label: "rate_limited"}
	}
	// Fatal either way it is spelled: the bus's own marker, or a
	// failure the adapter boundary already classified as such
	// (misconfiguration, 400-class responses).
	if IsFatal(err) || connector.IsFatal(err) {
		log.Errorw("job aborted", "type", evt.Type, "key", evt.Key, "err", err)
		return outcome{kind: outcomeDrop, label: "aborted"}
	}
	attempt := evt.Attempt + 1
	if attempt >= def.maxAttempts() {
		log.Errorw("job failed permanently", "type", evt.Type, "key", evt.Key, "attempts", attempt, "err", err)
		return outcome{kind: outcomeDrop, label: "exhausted"}
	}
	delay := backoff(evt.Attempt)
	log.Warnw("job failed, retrying", "type", evt.Type, "key", evt.Key, "attempt", attempt, "in", delay, "err", err)
	if m != nil {
		m.JobRetriesTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	return outcome{kind: outcomeRequeue, at: now.Add(delay), attempt: attempt, label: "retrying"}
}
