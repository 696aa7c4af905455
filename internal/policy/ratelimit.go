// internal/policy/ratelimit.go
package policy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rostersync/pkg/bus"
	"rostersync/pkg/connector"
)

// RateLimit reclassifies vendor throttling on any job's failure path
// into a delay-and-retry instruction. The reschedule is a scheduling
// hint, not a failure: it does not count against the retry budget.
func RateLimit(defaultRetryAfter time.Duration, now func() time.Time, log *zap.SugaredLogger) bus.Middleware {
	if now == nil {
		now = time.Now
	}
	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, run *bus.Run, evt bus.Event) error {
			err := next(ctx, run, evt)
			if err == nil || !connector.IsRateLimit(err) {
				return err
			}
			retryAfter := connector.RetryAfterOf(err)
			if retryAfter <= 0 {
				retryAfter = defaultRetryAfter
			}
			log.Infow("vendor throttling, rescheduling", "type", evt.Type, "tenant", evt.Key, "retryAfter", retryAfter)
			return bus.Delay(now().Add(retryAfter), err)
		}
	}
}
