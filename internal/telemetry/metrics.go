package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_runs_completed_total", Help: "Reconciliation passes that reached completed"})
	RunsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_runs_failed_total", Help: "Reconciliation passes that reached failed"})
	RunsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_runs_rejected_total", Help: "Run requests rejected because a pass was active"})
	TargetsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_targets_created_total", Help: "Downstream records created by materialization"})
	TargetsUpdated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_targets_updated_total", Help: "Downstream records refreshed by materialization"})
	TargetsSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_targets_skipped_total", Help: "Matches skipped because the target was closed"})
	ReconcileErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_errors_total", Help: "Absorbed per-rule and per-source errors"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Run requests rejected by the rate limiter"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_runs_in_progress", Help: "Passes currently executing in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsCompleted,
			RunsFailed,
			RunsRejected,
			TargetsCreated,
			TargetsUpdated,
			TargetsSkipped,
			ReconcileErrors,
			RateLimitRejects,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
