package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Published          = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_published_total", Help: "Items published successfully"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_publish_failures_total", Help: "Publish attempts that ended in a terminal failure"})
	Retries            = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_retries_scheduled_total", Help: "Items rescheduled after a transient failure"})
	DuplicatesRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_duplicates_rejected_total", Help: "Items rejected by the duplicate detector"})
	RateLimitDeferrals = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_deferrals_total", Help: "Items deferred by the publish rate limiter"})
	BreakerOpens       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_breaker_opens_total", Help: "Circuit breaker transitions to open"})
	LockContention     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_lock_contention_total", Help: "Runs aborted because another instance held the lock"})
	SlotsGenerated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_slots_generated_total", Help: "Schedule slots generated"})
	RunDuration        = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pipeline_run_duration_seconds", Help: "Wall time of a pipeline run", Buckets: prometheus.DefBuckets})
	DueItemsGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_due_items", Help: "Items due for publishing at last run"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Published,
			PublishFailures,
			Retries,
			DuplicatesRejected,
			RateLimitDeferrals,
			BreakerOpens,
			LockContention,
			SlotsGenerated,
			RunDuration,
			DueItemsGauge,
		)
	})
	return promhttp.Handler()
}
