// pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync worker.
type Metrics struct {
	JobsProcessedTotal *prometheus.CounterVec // labels: type, outcome
	JobDuration        *prometheus.HistogramVec
	JobRetriesTotal    *prometheus.CounterVec
	RateLimitDelays    prometheus.Counter
	DeprovisionsTotal  prometheus.Counter

	PagesFetchedTotal   prometheus.Counter
	UsersUpsertedTotal  prometheus.Counter
	RecordsDroppedTotal prometheus.Counter
	TokensRefreshed     prometheus.Counter
	UsersDeletedTotal   prometheus.Counter
}

// New creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in main, a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsProcessedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "bus",
			Name:      "jobs_processed_total",
			Help:      "Jobs settled by event type and outcome",
		}, []string{"type", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rostersync",
			Subsystem: "bus",
			Name:      "job_duration_seconds",
			Help:      "Handler execution time per event type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		JobRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "bus",
			Name:      "job_retries_total",
			Help:      "Retries scheduled after handler failures",
		}, []string{"type"}),
		RateLimitDelays: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "bus",
			Name:      "rate_limit_delays_total",
			Help:      "Budget-exempt reschedules caused by vendor throttling",
		}),
		DeprovisionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "policy",
			Name:      "deprovisions_total",
			Help:      "Tenants disconnected after authorization failures",
		}),
		PagesFetchedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "sync",
			Name:      "pages_fetched_total",
			Help:      "Roster pages pulled from source adapters",
		}),
		UsersUpsertedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "sync",
			Name:      "users_upserted_total",
			Help:      "Users forwarded to the directory sink",
		}),
		RecordsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "sync",
			Name:      "records_dropped_total",
			Help:      "Page items dropped by shape validation",
		}),
		TokensRefreshed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "refresh",
			Name:      "tokens_refreshed_total",
			Help:      "Successful token renewals",
		}),
		UsersDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rostersync",
			Subsystem: "deletion",
			Name:      "users_deleted_total",
			Help:      "Single-user removals applied at the vendor",
		}),
	}
}
