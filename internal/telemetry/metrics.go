package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated     = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_created_total", Help: "Tasks created"})
	TasksSucceeded   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_succeeded_total", Help: "Tasks finished in status done"})
	TasksFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks finished in status error"})
	TasksTimedOut    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_timed_out_total", Help: "Tasks expired by the TTL sweeper"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by the per-tenant rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_queue_depth", Help: "Queued messages across all configured queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_inflight", Help: "Messages currently leased by workers"})

	ImportRowsSuccess = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_success_total", Help: "Import rows persisted"})
	ImportRowsError   = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_error_total", Help: "Import rows failed"})
	ImportRowsSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_skipped_total", Help: "Import rows skipped by filter or duplicate policy"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksSucceeded,
			TasksFailed,
			TasksTimedOut,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			ImportRowsSuccess,
			ImportRowsError,
			ImportRowsSkipped,
		)
	})
	return promhttp.Handler()
}
